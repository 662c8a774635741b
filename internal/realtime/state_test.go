package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		name  string
		from  ConnectionState
		in    Status
		to    ConnectionState
		track bool
	}{
		{"first subscribe", StateConnecting, StatusSubscribed, StateSubscribed, true},
		{"duplicate subscribe ack", StateSubscribed, StatusSubscribed, StateSubscribed, false},
		{"connect timeout is fatal", StateConnecting, StatusTimedOut, StateClosed, false},
		{"connect error keeps trying", StateConnecting, StatusChannelError, StateConnecting, false},
		{"timeout while subscribed", StateSubscribed, StatusTimedOut, StateReconnecting, false},
		{"error while subscribed", StateSubscribed, StatusChannelError, StateReconnecting, false},
		{"closed while subscribed", StateSubscribed, StatusClosed, StateReconnecting, false},
		{"reconnecting signal", StateSubscribed, StatusReconnecting, StateReconnecting, false},
		{"reconnected", StateReconnecting, StatusReconnected, StateSubscribed, true},
		{"resubscribed", StateReconnecting, StatusSubscribed, StateSubscribed, true},
		{"reconnected while subscribed retracks", StateSubscribed, StatusReconnected, StateSubscribed, true},
		{"error while reconnecting", StateReconnecting, StatusChannelError, StateReconnecting, false},
		{"timeout while reconnecting", StateReconnecting, StatusTimedOut, StateClosed, false},
		{"fatal", StateSubscribed, StatusFatal, StateClosed, false},
		{"closed is terminal", StateClosed, StatusSubscribed, StateClosed, false},
		{"idle ignores statuses", StateIdle, StatusSubscribed, StateIdle, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, track := transition(tc.from, tc.in)
			require.Equal(t, tc.to, to)
			require.Equal(t, tc.track, track)
		})
	}
}

func TestConnectionStateString(t *testing.T) {
	require.Equal(t, "subscribed", StateSubscribed.String())
	require.Equal(t, "unknown", ConnectionState(42).String())
}
