package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/testutil/testlog"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), DefaultSQLiteConfig())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rd := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:queue")

	stores := map[string]Store{
		BackendMemory: NewMemory(),
		BackendSQLite: sq,
		BackendRedis:  rd,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStoreContract(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1750600000, 0)
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, store.Push(ctx, Item{ID: id, Payload: []byte(id), EnqueuedAt: now}))
			}
			require.NoError(t, store.Push(ctx, Item{ID: "b", Payload: []byte("dup"), EnqueuedAt: now}))

			n, err := store.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n, "duplicate id must not be queued twice")

			items, err := store.Peek(ctx, 2)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "a", items[0].ID)
			assert.Equal(t, "b", items[1].ID)
			assert.Equal(t, []byte("b"), items[1].Payload)
			assert.True(t, items[0].EnqueuedAt.Equal(now))

			require.NoError(t, store.Remove(ctx, "a"))
			require.NoError(t, store.Remove(ctx, "missing"))
			items, err = store.Peek(ctx, 0)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "b", items[0].ID)
			assert.Equal(t, "c", items[1].ID)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := OpenSQLite(path, DefaultSQLiteConfig())
	require.NoError(t, err)
	_, err = EnqueueCommand(ctx, s, protocol.NewVibrate("cmd.1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, DefaultSQLiteConfig())
	require.NoError(t, err)
	defer s.Close()
	items, err := s.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	cmd, err := protocol.DecodeCommand(items[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.DeliveryQueued, cmd.Delivery)
	assert.Equal(t, "cmd.1", cmd.ID)
}

func TestNewStoreValidatesConfig(t *testing.T) {
	testlog.Start(t)
	_, err := NewStore(Config{Backend: "kafka"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
	_, err = NewStore(Config{Backend: BackendSQLite})
	assert.ErrorIs(t, err, ErrMissingPath)
	_, err = NewStore(Config{Backend: BackendRedis})
	assert.ErrorIs(t, err, ErrMissingAddr)

	s, err := NewStore(DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}

func TestEnqueueCommandAssignsID(t *testing.T) {
	testlog.Start(t)
	s := NewMemory()
	item, err := EnqueueCommand(context.Background(), s, protocol.Command{Action: protocol.ActionVibrate})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
}

func TestPumpDeliversInOrderAtLeastOnce(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := NewMemory()
	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := EnqueueCommand(ctx, s, protocol.NewVibrate(id, time.Now()))
		require.NoError(t, err)
	}
	require.NoError(t, s.Push(ctx, Item{ID: "junk", Payload: []byte("{not json")}))

	var got []string
	fail := true
	pump := NewPump(s, func(_ context.Context, cmd protocol.Command) error {
		if cmd.ID == "c2" && fail {
			fail = false
			return errors.New("peer busy")
		}
		assert.Equal(t, protocol.DeliveryQueued, cmd.Delivery)
		got = append(got, cmd.ID)
		return nil
	}, PumpConfig{})

	n, err := pump.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	n, err = pump.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"c1", "c2", "c3"}, got)

	left, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left, "undecodable items are dropped")
}

func TestPumpRunWakesOnPush(t *testing.T) {
	testlog.Start(t)
	s := NewMemory()
	var mu sync.Mutex
	var got []string
	pump := NewPump(s, func(_ context.Context, cmd protocol.Command) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, cmd.ID)
		return nil
	}, PumpConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()

	_, err := EnqueueCommand(ctx, s, protocol.NewVibrate("late", time.Now()))
	require.NoError(t, err)
	testlog.WaitFor(t, time.Second, "pump delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	cancel()
	require.NoError(t, <-done)
}

func TestPumpOverRedisStore(t *testing.T) {
	testlog.Start(t)
	mr := miniredis.RunT(t)
	s := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "pump")
	defer s.Close()
	ctx := context.Background()
	_, err := EnqueueCommand(ctx, s, protocol.NewVibrate("r1", time.Now()))
	require.NoError(t, err)

	var got []string
	n, err := NewPump(s, func(_ context.Context, cmd protocol.Command) error {
		got = append(got, cmd.ID)
		return nil
	}, PumpConfig{}).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"r1"}, got)
}
