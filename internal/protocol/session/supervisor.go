package session

import (
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/rs/zerolog"
)

// Phase is the supervisor's view of the current reconnect attempt.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseReconnectRequested Phase = "reconnect_requested"
	PhaseActivating         Phase = "activating"
	PhaseActivated          Phase = "activated"
	PhaseError              Phase = "error"
)

// Reconnect triggers.
const (
	TriggerDeactivated = "deactivated"
	TriggerUser        = "user"
)

// Supervisor re-activates a session after deactivation or on request. Each
// trigger yields at most one activation attempt after a fixed delay; a
// newer trigger supersedes a pending one.
type Supervisor struct {
	mgr    *Manager
	delay  time.Duration
	timer  *Deferred
	logger zerolog.Logger

	mu        sync.Mutex
	phase     Phase
	attempts  int
	onAttempt func(trigger string)
}

func NewSupervisor(mgr *Manager, poster Poster, delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = DefaultConfig().ReconnectDelay
	}
	s := &Supervisor{
		mgr:    mgr,
		delay:  delay,
		timer:  NewDeferred(poster),
		logger: logging.WithComponent("supervisor").With().Str("role", mgr.Role()).Logger(),
		phase:  PhaseIdle,
	}
	mgr.attach(s)
	return s
}

// OnAttempt registers a hook invoked as each scheduled attempt fires.
func (s *Supervisor) OnAttempt(fn func(trigger string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAttempt = fn
}

func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Attempts counts activation attempts the supervisor has fired.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Reconnect tears down the current handle and schedules a fresh activation.
func (s *Supervisor) Reconnect() {
	s.logger.Info().Msg("reconnect requested")
	s.mgr.Teardown()
	s.schedule(TriggerUser)
}

// Stop cancels any pending attempt.
func (s *Supervisor) Stop() {
	s.timer.Cancel()
	s.setPhase(PhaseIdle)
}

func (s *Supervisor) deactivated() {
	s.logger.Info().Dur("delay", s.delay).Msg("session deactivated; scheduling re-activation")
	s.schedule(TriggerDeactivated)
}

func (s *Supervisor) schedule(trigger string) {
	s.setPhase(PhaseReconnectRequested)
	s.timer.Schedule(s.delay, func() { s.fire(trigger) })
}

// fire runs a scheduled attempt. A session that came back on its own is
// not activated again.
func (s *Supervisor) fire(trigger string) {
	switch cur := s.mgr.Snapshot().Activation; cur {
	case ActivationActivated:
		s.setPhase(PhaseActivated)
		s.logger.Debug().Str("trigger", trigger).Msg("session already activated; attempt skipped")
		return
	case ActivationActivating:
		s.setPhase(PhaseActivating)
		s.logger.Debug().Str("trigger", trigger).Msg("activation already pending; attempt skipped")
		return
	}

	s.mu.Lock()
	s.phase = PhaseActivating
	s.attempts++
	hook := s.onAttempt
	s.mu.Unlock()

	if hook != nil {
		hook(trigger)
	}
	s.logger.Info().Str("trigger", trigger).Msg("re-activating session")
	s.mgr.Activate()
}

func (s *Supervisor) activationComplete(a Activation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseActivating {
		return
	}
	if a == ActivationActivated {
		s.phase = PhaseActivated
		return
	}
	s.phase = PhaseError
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}
