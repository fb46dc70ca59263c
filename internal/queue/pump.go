package queue

import (
	"context"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/observability"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Deliver hands one queued command to the receiving peer. It returns once
// the peer has accepted the command; an error leaves the item queued.
type Deliver func(ctx context.Context, cmd protocol.Command) error

type PumpConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Backoff      session.BackoffConfig
	// Role labels the queue depth gauge.
	Role string
}

func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		PollInterval: 250 * time.Millisecond,
		BatchSize:    32,
		Backoff:      session.DefaultConfig().Backoff,
		Role:         session.RoleResponder,
	}
}

// Pump drains a Store in order and removes each item only after Deliver
// succeeds.
type Pump struct {
	store   Store
	deliver Deliver
	cfg     PumpConfig
	logger  zerolog.Logger
}

func NewPump(store Store, deliver Deliver, cfg PumpConfig) *Pump {
	d := DefaultPumpConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = d.Backoff
	}
	if cfg.Role == "" {
		cfg.Role = d.Role
	}
	return &Pump{
		store:   store,
		deliver: deliver,
		cfg:     cfg,
		logger:  logging.WithComponent("queue.pump"),
	}
}

// Run drains until ctx is canceled. Store and delivery errors back off.
func (p *Pump) Run(ctx context.Context) error {
	backoff := session.NewBackoff(p.cfg.Backoff)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if n, ok := p.store.(Notifier); ok {
		wake = n.Notify()
	}
	for {
		if _, err := p.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn().Err(err).Int("attempt", backoff.Attempts()+1).Msg("queue drain failed")
			if err := backoff.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		backoff.Reset()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Drain delivers every currently queued item and returns how many were
// delivered.
func (p *Pump) Drain(ctx context.Context) (int, error) {
	delivered := 0
	if n, err := p.store.Len(ctx); err == nil {
		observability.SetQueueDepth(p.cfg.Role, n)
	}
	for {
		items, err := p.store.Peek(ctx, p.cfg.BatchSize)
		if err != nil {
			return delivered, err
		}
		if len(items) == 0 {
			if delivered > 0 {
				observability.SetQueueDepth(p.cfg.Role, 0)
			}
			return delivered, nil
		}
		for _, item := range items {
			cmd, err := protocol.DecodeCommand(item.Payload)
			if err != nil {
				p.logger.Warn().Err(err).Str("id", item.ID).Msg("dropping undecodable queued item")
				if err := p.store.Remove(ctx, item.ID); err != nil {
					return delivered, err
				}
				continue
			}
			if cmd.ID == "" {
				cmd.ID = item.ID
			}
			cmd.Delivery = protocol.DeliveryQueued
			if err := p.deliver(ctx, cmd); err != nil {
				return delivered, err
			}
			if err := p.store.Remove(ctx, item.ID); err != nil {
				return delivered, err
			}
			delivered++
			p.logger.Debug().Str("id", item.ID).Dur("queued_for", time.Since(item.EnqueuedAt)).Msg("queued command delivered")
		}
	}
}
