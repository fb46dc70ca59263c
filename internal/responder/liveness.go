package responder

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// LivenessState is the background-liveness lease lifecycle. It is tracked
// independently of the session and only reported alongside it.
type LivenessState string

const (
	LivenessNotRequested LivenessState = "not_requested"
	LivenessRequesting   LivenessState = "requesting"
	LivenessGranted      LivenessState = "granted"
	LivenessDenied       LivenessState = "denied"
	LivenessActive       LivenessState = "active"
	LivenessEnded        LivenessState = "ended"
	LivenessPaused       LivenessState = "paused"
	LivenessFailed       LivenessState = "failed"
)

var livenessTransitions = map[LivenessState][]LivenessState{
	LivenessNotRequested: {LivenessRequesting},
	LivenessRequesting:   {LivenessGranted, LivenessDenied, LivenessFailed},
	LivenessGranted:      {LivenessActive, LivenessFailed},
	LivenessActive:       {LivenessPaused, LivenessEnded, LivenessFailed},
	LivenessPaused:       {LivenessActive, LivenessEnded, LivenessFailed},
}

type LivenessConfig struct {
	Enabled bool
	Reason  string
	// Lease bounds a TimedLease; zero holds it until shutdown.
	Lease time.Duration
}

// LivenessProvider is the platform capability that keeps the responder
// running in the background.
type LivenessProvider interface {
	// RequestLiveness asks for permission; false means denied.
	RequestLiveness(ctx context.Context, cfg LivenessConfig) (bool, error)
	// BeginSession starts the lease. The returned channel carries later
	// state changes and is closed when the lease is over.
	BeginSession(ctx context.Context) (<-chan LivenessState, error)
}

// Liveness drives one lease through its lifecycle on the peer loop.
type Liveness struct {
	provider LivenessProvider
	poster   session.Poster
	cfg      LivenessConfig
	logger   zerolog.Logger

	mu       sync.RWMutex
	state    LivenessState
	onChange func(LivenessState)
}

func NewLiveness(provider LivenessProvider, poster session.Poster, cfg LivenessConfig) *Liveness {
	return &Liveness{
		provider: provider,
		poster:   poster,
		cfg:      cfg,
		logger:   logging.WithComponent("liveness"),
		state:    LivenessNotRequested,
	}
}

// OnChange registers a hook run on the loop after each transition.
func (l *Liveness) OnChange(fn func(LivenessState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

func (l *Liveness) State() LivenessState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Live reports whether the lease is currently held.
func (l *Liveness) Live() bool {
	return l.State() == LivenessActive
}

// Start requests and begins the lease in the background. It returns at
// once; a disabled config or missing provider leaves it NotRequested.
func (l *Liveness) Start(ctx context.Context) {
	if !l.cfg.Enabled || l.provider == nil {
		return
	}
	if !l.transition(LivenessRequesting) {
		return
	}
	go l.run(ctx)
}

func (l *Liveness) run(ctx context.Context) {
	granted, err := l.provider.RequestLiveness(ctx, l.cfg)
	switch {
	case err != nil:
		l.logger.Warn().Err(err).Msg("liveness request failed")
		l.post(LivenessFailed)
		return
	case !granted:
		l.logger.Warn().Err(session.ErrAuthorizationDenied).Msg("liveness denied")
		l.post(LivenessDenied)
		return
	}
	l.post(LivenessGranted)

	changes, err := l.provider.BeginSession(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("liveness session failed to start")
		l.post(LivenessFailed)
		return
	}
	l.post(LivenessActive)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-changes:
			if !ok {
				l.post(LivenessEnded)
				return
			}
			l.post(st)
		}
	}
}

func (l *Liveness) post(next LivenessState) {
	l.poster.Post(func() { l.transition(next) })
}

func (l *Liveness) transition(next LivenessState) bool {
	l.mu.Lock()
	prev := l.state
	allowed := false
	for _, s := range livenessTransitions[prev] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		l.mu.Unlock()
		if prev != next {
			l.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("liveness transition ignored")
		}
		return false
	}
	l.state = next
	hook := l.onChange
	l.mu.Unlock()

	l.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("liveness transition")
	if hook != nil {
		hook(next)
	}
	return true
}

// TimedLease grants every request and ends the lease after Lease. A zero
// Lease runs until the context ends.
type TimedLease struct {
	Lease time.Duration
	Deny  bool
}

func (p TimedLease) RequestLiveness(ctx context.Context, _ LivenessConfig) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !p.Deny, nil
}

func (p TimedLease) BeginSession(ctx context.Context) (<-chan LivenessState, error) {
	changes := make(chan LivenessState)
	go func() {
		defer close(changes)
		if p.Lease <= 0 {
			<-ctx.Done()
			return
		}
		timer := time.NewTimer(p.Lease)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}()
	return changes, nil
}
