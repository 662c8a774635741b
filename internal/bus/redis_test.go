package bus

import (
	"context"
	"testing"
	"time"

	"listing-chat/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBusSkipsOwnEnvelopes(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewRedisBus(rdb, "instance-a")
	b := NewRedisBus(rdb, "instance-b")

	got := make(chan Envelope, 4)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, func(env Envelope) { got <- env }) }()

	frame := &models.Frame{Type: models.FrameBroadcast, Event: "note", Payload: []byte(`"hi"`)}
	require.Eventually(t, func() bool {
		require.NoError(t, a.Publish(ctx, Envelope{Room: "product:1", Kind: KindBroadcast, Frame: frame}))
		require.NoError(t, b.Publish(ctx, Envelope{Room: "product:1", Kind: KindBroadcast, Frame: frame}))
		select {
		case env := <-got:
			require.Equal(t, "instance-b", env.Origin)
			require.Equal(t, "product:1", env.Room)
			require.Equal(t, "note", env.Frame.Event)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLocalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, Local{}.Publish(ctx, Envelope{Room: "product:1"}))

	done := make(chan error, 1)
	go func() { done <- Local{}.Run(ctx, func(Envelope) { t.Error("unexpected envelope") }) }()
	cancel()
	require.NoError(t, <-done)
}
