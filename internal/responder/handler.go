package responder

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/observability"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// ErrHandlerStopped is returned for commands that arrive after Stop; no
// ack is sent for them.
var ErrHandlerStopped = errors.New("responder: handler stopped")

// StatusVibrated is shown briefly after a vibrate command is handled.
const StatusVibrated = "Vibration performed ✓"

// Counters is a point-in-time read of the handler's record.
type Counters struct {
	VibrationCount int
	LastVibrateAt  time.Time
}

// Handler validates inbound commands and performs the effect. All Handle
// calls must come from the peer loop; reads are safe from anywhere.
type Handler struct {
	effect     Effect
	live       func() bool
	poster     session.Poster
	pulseDelay time.Duration
	resetDelay time.Duration
	reset      *session.Deferred
	now        func() time.Time
	logger     zerolog.Logger

	mu        sync.RWMutex
	counters  Counters
	transient string
	stopped   bool
	nextPulse int
	pulses    map[int]*time.Timer
}

// NewHandler builds a handler posting its timers to p. live reports the
// background-liveness flag carried on acks and may be nil.
func NewHandler(effect Effect, live func() bool, p session.Poster, cfg session.Config) *Handler {
	cfg = cfg.WithDefaults()
	if effect == nil {
		effect = NewLogEffect()
	}
	if live == nil {
		live = func() bool { return false }
	}
	return &Handler{
		effect:     effect,
		live:       live,
		poster:     p,
		pulseDelay: cfg.SecondaryPulseDelay,
		resetDelay: cfg.StatusResetDelay,
		reset:      session.NewDeferred(p),
		now:        time.Now,
		logger:     logging.WithComponent("handler"),
		pulses:     make(map[int]*time.Timer),
	}
}

// HandleLive acts on cmd and returns the ack for the live reply.
func (h *Handler) HandleLive(cmd protocol.Command) (protocol.Ack, error) {
	performed, err := h.apply(cmd, protocol.DeliveryLive)
	if err != nil {
		return protocol.Ack{}, err
	}
	ack := protocol.Ack{
		CommandID:      cmd.ID,
		Status:         protocol.StatusUnknownAction,
		BackgroundLive: h.live(),
	}
	if performed {
		ack.Status = protocol.StatusSuccess
	}
	c := h.Counters()
	ack.VibrationCount = c.VibrationCount
	ack.RespondedAt = h.now()
	observability.RecordAck(string(ack.Status))
	return ack, nil
}

// HandleQueued acts on cmd delivered by the queued channel. No reply is
// possible.
func (h *Handler) HandleQueued(cmd protocol.Command) {
	_, _ = h.apply(cmd, protocol.DeliveryQueued)
}

func (h *Handler) apply(cmd protocol.Command, channel protocol.Delivery) (bool, error) {
	log := h.logger.With().Str("command_id", cmd.ID).Str("channel", string(channel)).Logger()
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		log.Debug().Err(ErrHandlerStopped).Msg("command dropped")
		return false, ErrHandlerStopped
	}
	if !cmd.Recognized() {
		h.mu.Unlock()
		log.Warn().Err(session.ErrUnknownAction).Str("action", cmd.Action).Msg("command ignored")
		return false, nil
	}
	h.counters.VibrationCount++
	h.counters.LastVibrateAt = h.now()
	count := h.counters.VibrationCount
	h.transient = StatusVibrated
	h.mu.Unlock()

	h.effect.Perform()
	observability.RecordEffect(string(channel))
	h.schedulePulse()
	h.reset.Schedule(h.resetDelay, h.clearTransient)
	log.Info().Int("vibration_count", count).Msg("vibration performed")
	return true, nil
}

func (h *Handler) schedulePulse() {
	if h.pulseDelay < 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextPulse
	h.nextPulse++
	h.pulses[id] = time.AfterFunc(h.pulseDelay, func() {
		h.poster.Post(func() {
			h.mu.Lock()
			_, pending := h.pulses[id]
			delete(h.pulses, id)
			run := pending && !h.stopped
			h.mu.Unlock()
			if run {
				h.effect.Perform()
			}
		})
	})
}

func (h *Handler) clearTransient() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transient = ""
}

func (h *Handler) Counters() Counters {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counters
}

// Transient returns the short-lived status overlay, or "".
func (h *Handler) Transient() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transient
}

// Stop cancels pending pulses and the status reset. Later commands are
// not acted on.
func (h *Handler) Stop() {
	h.reset.Cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for id, t := range h.pulses {
		t.Stop()
		delete(h.pulses, id)
	}
}
