package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// pushScript stores the payload and appends the id only when the id is new.
var pushScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2]) == 1 then
	redis.call('RPUSH', KEYS[1], ARGV[1])
	return 1
end
return 0`)

// Redis keeps queue order in a list of ids and payloads in a hash, so a
// controller and responder on different hosts can share one queue.
type Redis struct {
	client   *redis.Client
	orderKey string
	itemsKey string
}

type redisItem struct {
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func OpenRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis connection failed: %w", err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client:   client,
		orderKey: prefix + ":order",
		itemsKey: prefix + ":items",
	}
}

func (r *Redis) Push(ctx context.Context, item Item) error {
	raw, err := json.Marshal(redisItem{Payload: item.Payload, EnqueuedAt: item.EnqueuedAt.UnixNano()})
	if err != nil {
		return err
	}
	return pushScript.Run(ctx, r.client, []string{r.orderKey, r.itemsKey}, item.ID, raw).Err()
}

func (r *Redis) Peek(ctx context.Context, limit int) ([]Item, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.client.LRange(ctx, r.orderKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.client.HMGet(ctx, r.itemsKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Order entry without payload; surface it empty so the pump drops it.
			out = append(out, Item{ID: ids[i]})
			continue
		}
		var ri redisItem
		if err := json.Unmarshal([]byte(s), &ri); err != nil {
			out = append(out, Item{ID: ids[i]})
			continue
		}
		out = append(out, Item{ID: ids[i], Payload: ri.Payload, EnqueuedAt: time.Unix(0, ri.EnqueuedAt)})
	}
	return out, nil
}

func (r *Redis) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, r.orderKey, 1, id)
		pipe.HDel(ctx, r.itemsKey, id)
		return nil
	})
	return err
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.orderKey).Result()
	return int(n), err
}

func (r *Redis) Close() error {
	return r.client.Close()
}
