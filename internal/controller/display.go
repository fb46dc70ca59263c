package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
)

// Controller-only status strings.
const (
	StatusSent         = "Vibration command sent ✓"
	StatusQueued       = "Queued for delivery"
	StatusNotReady     = "Session not ready"
	StatusUnrecognized = "Responder did not recognize the command"
)

// Display holds the controller's status overlay on top of the
// state-derived text. Writes happen on the peer loop.
type Display struct {
	state  func() session.State
	revert *session.Deferred

	mu       sync.RWMutex
	override string
	lastAck  *protocol.Ack
}

func NewDisplay(state func() session.State, p session.Poster) *Display {
	return &Display{
		state:  state,
		revert: session.NewDeferred(p),
	}
}

// Text is the overlay when one is set, otherwise the session status.
func (d *Display) Text() string {
	d.mu.RLock()
	override := d.override
	d.mu.RUnlock()
	if override != "" {
		return override
	}
	st := d.state()
	if st.Activation == session.ActivationError && st.LastError != "" && !st.Unsupported {
		return errorText(st.LastError)
	}
	return st.StatusText()
}

// Show sets an overlay that stays until the session status changes.
func (d *Display) Show(text string) {
	d.revert.Cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = text
}

// ShowFor sets an overlay and re-derives the status after ttl.
func (d *Display) ShowFor(text string, ttl time.Duration) {
	d.mu.Lock()
	d.override = text
	d.mu.Unlock()
	d.revert.Schedule(ttl, d.Clear)
}

func (d *Display) Clear() {
	d.revert.Cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override = ""
}

// RecordAck stores the latest live ack and shows its outcome.
func (d *Display) RecordAck(ack protocol.Ack) {
	text := StatusSent
	if ack.Status != protocol.StatusSuccess {
		text = StatusUnrecognized
	}
	d.Show(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAck = &ack
}

// LastAck returns the latest ack received on the live channel.
func (d *Display) LastAck() (protocol.Ack, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastAck == nil {
		return protocol.Ack{}, false
	}
	return *d.lastAck, true
}

// LastCount echoes the responder's count from the latest ack.
func (d *Display) LastCount() int {
	ack, _ := d.LastAck()
	return ack.VibrationCount
}

// sessionChanged drops the overlay when the derived status moves.
func (d *Display) sessionChanged(prev, next session.State) {
	if prev.StatusText() != next.StatusText() {
		d.Clear()
	}
}

func errorText(reason string) string {
	return fmt.Sprintf("Error: %s", reason)
}
