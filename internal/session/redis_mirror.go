package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// sweepScript drops members whose expiry score is at or before ARGV[1]
// together with their stored session data.
var sweepScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisMirror keeps page presence in Redis: a sorted set of session ids
// scored by expiry time and a hash of session JSON, per page.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(redisURL string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisMirrorWithClient(client), nil
}

func NewRedisMirrorWithClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client, prefix: "presence:"}
}

func (r *RedisMirror) membersKey(pageEntityID string) string {
	return r.prefix + "page:" + pageEntityID
}

func (r *RedisMirror) dataKey(pageEntityID string) string {
	return r.prefix + "data:" + pageEntityID
}

func (r *RedisMirror) Put(ctx context.Context, s Session, expireAt time.Time) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	tx := r.client.TxPipeline()
	tx.ZAdd(ctx, r.membersKey(s.PageEntityID), redis.Z{Score: float64(expireAt.UnixMilli()), Member: s.ID})
	tx.HSet(ctx, r.dataKey(s.PageEntityID), s.ID, payload)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("save presence %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisMirror) Remove(ctx context.Context, s Session) error {
	tx := r.client.TxPipeline()
	tx.ZRem(ctx, r.membersKey(s.PageEntityID), s.ID)
	tx.HDel(ctx, r.dataKey(s.PageEntityID), s.ID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence %s: %w", s.ID, err)
	}
	return nil
}

// ListActive sweeps expired members then returns the live ones.
func (r *RedisMirror) ListActive(ctx context.Context, pageEntityID string, now time.Time) ([]Session, error) {
	nowMs := now.UnixMilli()
	keys := []string{r.membersKey(pageEntityID), r.dataKey(pageEntityID)}
	if err := sweepScript.Run(ctx, r.client, keys, nowMs).Err(); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("sweep presence: %w", err)
	}

	ids, err := r.client.ZRangeByScore(ctx, keys[0], &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(nowMs, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	values, err := r.client.HMGet(ctx, keys[1], ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	out := make([]Session, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
