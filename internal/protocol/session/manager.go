package session

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/rs/zerolog"
)

// Activator starts and stops the underlying transport session. Activate
// must not block; its outcome is reported via OnActivationComplete.
type Activator interface {
	Activate()
	Teardown()
}

// ActivationResult is the transport's verdict on one Activate call.
type ActivationResult struct {
	Activation    Activation
	PeerInstalled bool
	Err           error
}

// Observer sees every committed transition in commit order. Observers run
// while the writer lock is held and must not call Manager writers.
type Observer func(prev, next State)

// Manager is the sole writer of a peer's SessionState.
type Manager struct {
	role      string
	activator Activator
	logger    zerolog.Logger

	mu         sync.Mutex
	state      atomic.Pointer[State]
	observers  []Observer
	supervisor *Supervisor
}

func NewManager(role string, activator Activator) *Manager {
	m := &Manager{
		role:      role,
		activator: activator,
		logger:    logging.WithComponent("session").With().Str("role", role).Logger(),
	}
	initial := InitialState()
	m.state.Store(&initial)
	return m
}

func (m *Manager) Role() string {
	return m.role
}

// Snapshot returns the latest committed state without blocking writers.
func (m *Manager) Snapshot() State {
	return *m.state.Load()
}

func (m *Manager) Observe(fn Observer) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Activate begins activation unless one is in flight or already complete.
// Without a transport the session is marked unsupported and never leaves
// ActivationError. Callers run on the peer loop; the in-flight check is
// still made under the writer lock.
func (m *Manager) Activate() {
	if m.activator == nil {
		m.commit("unsupported", func(s *State) {
			s.Activation = ActivationError
			s.Unsupported = true
			s.LastError = ErrActivationFailed.Error()
		})
		return
	}
	next, ok := m.tryCommit("activate", func(s *State) bool {
		if s.Activation == ActivationActivating || s.Activation == ActivationActivated {
			return false
		}
		s.Activation = ActivationActivating
		s.Reachable = false
		s.LastError = ""
		return true
	})
	if !ok {
		m.logger.Debug().Str("activation", string(next.Activation)).Msg("activate ignored")
		return
	}
	m.activator.Activate()
}

func (m *Manager) OnActivationComplete(res ActivationResult) {
	next := res.Activation
	switch next {
	case ActivationActivated, ActivationInactive, ActivationNotActivated, ActivationError:
	default:
		next = ActivationError
	}
	if res.Err != nil {
		next = ActivationError
	}
	committed := m.commit("activation_complete", func(s *State) {
		s.Activation = next
		s.PeerInstalled = res.PeerInstalled
		if next != ActivationActivated {
			s.Reachable = false
		}
		s.LastError = ""
		if res.Err != nil {
			s.LastError = res.Err.Error()
		}
	})
	if res.Err != nil {
		m.logger.Warn().Err(res.Err).Msg("activation failed")
	}
	if sup := m.attached(); sup != nil {
		sup.activationComplete(committed.Activation)
	}
}

// OnReachabilityChanged records peer reachability. Reports that arrive
// outside ActivationActivated are dropped.
func (m *Manager) OnReachabilityChanged(reachable bool) {
	if !m.Snapshot().Activated() {
		m.logger.Debug().Bool("reachable", reachable).Msg("reachability ignored; session not activated")
		return
	}
	m.commit("reachability", func(s *State) {
		s.Reachable = reachable
	})
}

func (m *Manager) OnPeerInstalledChanged(installed bool) {
	m.commit("peer_installed", func(s *State) {
		s.PeerInstalled = installed
	})
}

func (m *Manager) OnBecameInactive() {
	m.commit("inactive", func(s *State) {
		s.Activation = ActivationInactive
		s.Reachable = false
	})
}

// OnDeactivated marks the handle dead and hands off to the supervisor.
func (m *Manager) OnDeactivated() {
	m.commit("deactivated", func(s *State) {
		s.Activation = ActivationInactive
		s.Reachable = false
	})
	if sup := m.attached(); sup != nil {
		sup.deactivated()
	}
}

// Teardown releases the current handle and returns to NotActivated.
func (m *Manager) Teardown() {
	if m.activator != nil {
		m.activator.Teardown()
	}
	m.commit("teardown", func(s *State) {
		s.Activation = ActivationNotActivated
		s.Reachable = false
		s.PeerInstalled = false
		s.LastError = ""
	})
}

func (m *Manager) attach(s *Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supervisor = s
}

func (m *Manager) attached() *Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supervisor
}

func (m *Manager) commit(reason string, mutate func(*State)) State {
	next, _ := m.tryCommit(reason, func(s *State) bool {
		mutate(s)
		return true
	})
	return next
}

// tryCommit applies mutate under the writer lock. When mutate returns
// false nothing is committed and the current state is returned.
func (m *Manager) tryCommit(reason string, mutate func(*State) bool) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := *m.state.Load()
	next := prev
	if !mutate(&next) {
		return prev, false
	}
	if !next.Activated() {
		next.Reachable = false
	}
	next.Generation = prev.Generation + 1
	m.state.Store(&next)

	m.logger.Debug().
		Str("reason", reason).
		Str("activation", string(next.Activation)).
		Bool("reachable", next.Reachable).
		Bool("peer_installed", next.PeerInstalled).
		Uint64("generation", next.Generation).
		Msg("session transition")
	for _, fn := range m.observers {
		fn(prev, next)
	}
	return next, true
}
