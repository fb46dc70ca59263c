// Package queue is the durable store behind the queued delivery channel.
//
// The controller pushes encoded commands; the responder drains them with a
// Pump once its session allows. Delivery is at-least-once and FIFO per
// store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/google/uuid"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var (
	ErrUnknownBackend = errors.New("queue: unknown backend")
	ErrMissingPath    = errors.New("queue: sqlite path required")
	ErrMissingAddr    = errors.New("queue: redis addr required")
	ErrStoreClosed    = errors.New("queue: store closed")
)

// Item is one queued command payload.
type Item struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
}

// Store is a FIFO of queued items. Pushing an id that is already queued is
// a no-op.
type Store interface {
	Push(ctx context.Context, item Item) error
	Peek(ctx context.Context, limit int) ([]Item, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Notifier is implemented by stores that can signal new pushes without
// polling.
type Notifier interface {
	Notify() <-chan struct{}
}

type Config struct {
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

func DefaultConfig() Config {
	return Config{
		Backend:     BackendMemory,
		RedisPrefix: "vibrolink:queue",
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "", BackendMemory:
		return nil
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return ErrMissingPath
		}
		return nil
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return ErrMissingAddr
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
}

// NewStore opens the backend named by cfg.
func NewStore(cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSQLite:
		return OpenSQLite(cfg.SQLitePath, DefaultSQLiteConfig())
	case BackendRedis:
		prefix := cfg.RedisPrefix
		if prefix == "" {
			prefix = DefaultConfig().RedisPrefix
		}
		return OpenRedis(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   prefix,
		})
	default:
		return NewMemory(), nil
	}
}

// EnqueueCommand tags cmd as queued and pushes it. Commands without an id
// get a fresh one.
func EnqueueCommand(ctx context.Context, s Store, cmd protocol.Command) (Item, error) {
	if strings.TrimSpace(cmd.ID) == "" {
		cmd.ID = uuid.NewString()
	}
	payload, err := protocol.EncodeCommand(cmd.WithDelivery(protocol.DeliveryQueued))
	if err != nil {
		return Item{}, err
	}
	item := Item{
		ID:         cmd.ID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	if err := s.Push(ctx, item); err != nil {
		return Item{}, fmt.Errorf("queue: push %s: %w", item.ID, err)
	}
	return item, nil
}
