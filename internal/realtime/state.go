package realtime

type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a signal reported by a transport subscription.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
	StatusReconnecting Status = "RECONNECTING"
	StatusReconnected  Status = "RECONNECTED"
	StatusFatal        Status = "FATAL"
)

// transition returns the state that follows cur when status arrives, and
// whether the local participant has to be tracked again.
func transition(cur ConnectionState, status Status) (ConnectionState, bool) {
	if cur == StateIdle || cur == StateClosed {
		return cur, false
	}

	switch status {
	case StatusSubscribed:
		if cur == StateSubscribed {
			return cur, false
		}
		return StateSubscribed, true
	case StatusReconnected:
		return StateSubscribed, true
	case StatusTimedOut:
		if cur == StateSubscribed {
			return StateReconnecting, false
		}
		return StateClosed, false
	case StatusChannelError, StatusClosed, StatusReconnecting:
		if cur == StateSubscribed {
			return StateReconnecting, false
		}
		return cur, false
	case StatusFatal:
		return StateClosed, false
	}
	return cur, false
}
