package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"listing-chat/internal/models"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// expireScript drops members whose expireAt score has passed, together
// with their meta.
//
// KEYS[1] = members zset, KEYS[2] = meta hash, ARGV[1] = now in ms
var expireScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisStore shares presence between server instances. Each connection is
// a zset member scored by its expiry; hub heartbeats push the expiry
// forward, so entries of a crashed instance age out on their own.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

func membersKey(room string) string { return "presence:room:" + room }

func metaKey(room string) string { return "presence:meta:" + room }

func (s *RedisStore) Track(ctx context.Context, room, key, connID string, meta models.PresenceMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode presence meta: %w", err)
	}
	member := memberID(key, connID)
	expireAt := s.now().Add(s.ttl)

	tx := s.rdb.TxPipeline()
	tx.ZAdd(ctx, membersKey(room), redis.Z{Score: float64(expireAt.UnixMilli()), Member: member})
	tx.HSet(ctx, metaKey(room), member, data)
	tx.Expire(ctx, membersKey(room), 2*s.ttl)
	tx.Expire(ctx, metaKey(room), 2*s.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("track %s in %s: %w", member, room, err)
	}
	return nil
}

func (s *RedisStore) Untrack(ctx context.Context, room, key, connID string) error {
	member := memberID(key, connID)
	tx := s.rdb.TxPipeline()
	tx.ZRem(ctx, membersKey(room), member)
	tx.HDel(ctx, metaKey(room), member)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("untrack %s in %s: %w", member, room, err)
	}
	return nil
}

func (s *RedisStore) State(ctx context.Context, room string) (models.PresenceState, error) {
	now := s.now().UnixMilli()
	keys := []string{membersKey(room), metaKey(room)}
	if err := expireScript.Run(ctx, s.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("expire presence in %s: %w", room, err)
	}

	alive, err := s.rdb.ZRangeByScore(ctx, membersKey(room), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list presence in %s: %w", room, err)
	}

	state := models.PresenceState{}
	if len(alive) == 0 {
		return state, nil
	}

	metas, err := s.rdb.HMGet(ctx, metaKey(room), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load presence meta in %s: %w", room, err)
	}
	for i, member := range alive {
		meta := models.PresenceMeta{}
		if raw, ok := metas[i].(string); ok {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				return nil, fmt.Errorf("decode presence meta of %s: %w", member, err)
			}
		}
		key := splitMember(member)
		state[key] = append(state[key], meta)
	}
	return state, nil
}
