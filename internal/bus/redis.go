package bus

import (
	"context"
	"fmt"
	"strings"

	"listing-chat/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "room:"

// RedisBus fans room events out to every server instance through Redis
// pub/sub. Envelopes an instance published itself are skipped on receipt.
type RedisBus struct {
	rdb    *redis.Client
	origin string
}

func NewRedisBus(rdb *redis.Client, origin string) *RedisBus {
	return &RedisBus{rdb: rdb, origin: origin}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.origin
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+env.Room, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Room, err)
	}
	return nil
}

func (b *RedisBus) Run(ctx context.Context, handle func(Envelope)) error {
	pubsub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s*: %w", channelPrefix, err)
	}
	logger.Info("[BUS] Subscribed to %s*", channelPrefix)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error("[BUS] Dropping malformed envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			if env.Room == "" {
				env.Room = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			handle(env)
		}
	}
}
