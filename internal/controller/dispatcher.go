package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/observability"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is where a dispatch attempt ended up.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAcked    Outcome = "acked"
	OutcomeQueued   Outcome = "queued"
	OutcomeFallback Outcome = "fallback_queued"
	OutcomeNotReady Outcome = "not_ready"
	OutcomeRejected Outcome = "rejected"
)

// Attempt describes one dispatch. SendCommand returns it with
// OutcomePending for the chosen channel; the final Attempt goes to the
// result hook once the transport answers.
type Attempt struct {
	CommandID string            `json:"command_id"`
	Channel   protocol.Delivery `json:"channel,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Err       error             `json:"-"`
	Ack       *protocol.Ack     `json:"ack,omitempty"`
}

// Dispatcher picks the live or queued channel for each command. The live
// channel is preferred while the peer is reachable; a live failure falls
// back to the queued channel.
type Dispatcher struct {
	transport transport.Transport
	state     func() session.State
	poster    session.Poster
	display   *Display
	outbox    *session.Outbox
	grace     time.Duration
	ackWait   time.Duration
	newID     func() string
	now       func() time.Time
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	onResult func(Attempt)
}

func NewDispatcher(t transport.Transport, state func() session.State, p session.Poster, display *Display, cfg session.Config) *Dispatcher {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		transport: t,
		state:     state,
		poster:    p,
		display:   display,
		outbox:    session.NewOutbox(),
		grace:     cfg.QueuedGracePeriod,
		ackWait:   cfg.AckTimeout,
		newID:     uuid.NewString,
		now:       time.Now,
		logger:    logging.WithComponent("dispatcher"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnResult registers a hook run on the peer loop with each final Attempt.
func (d *Dispatcher) OnResult(fn func(Attempt)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = fn
}

// SendCommand dispatches a vibrate command without blocking.
func (d *Dispatcher) SendCommand() Attempt {
	return d.Send(protocol.ActionVibrate)
}

// Send dispatches a command carrying action without blocking.
func (d *Dispatcher) Send(action string) Attempt {
	cmd := protocol.Command{ID: d.newID(), Action: action, IssuedAt: d.now()}
	log := d.logger.With().Str("command_id", cmd.ID).Logger()

	d.mu.Lock()
	closed := d.closed
	if !closed {
		d.wg.Add(1)
	}
	d.mu.Unlock()
	if closed {
		a := Attempt{CommandID: cmd.ID, Outcome: OutcomeRejected, Err: fmt.Errorf("%w: %w", session.ErrTransportRejected, transport.ErrClosed)}
		d.finish(a, func() {})
		return a
	}

	st := d.state()
	switch {
	case !st.Activated():
		d.wg.Done()
		log.Warn().Err(session.ErrSessionNotReady).Str("activation", string(st.Activation)).Msg("command not sent")
		a := Attempt{CommandID: cmd.ID, Outcome: OutcomeNotReady, Err: session.ErrSessionNotReady}
		d.finish(a, func() { d.display.Show(StatusNotReady) })
		return a
	case st.Reachable:
		log.Debug().Msg("dispatching on live channel")
		go d.sendLive(cmd)
		return Attempt{CommandID: cmd.ID, Channel: protocol.DeliveryLive, Outcome: OutcomePending}
	default:
		log.Debug().Msg("peer unreachable; dispatching on queued channel")
		go d.enqueue(cmd, nil)
		return Attempt{CommandID: cmd.ID, Channel: protocol.DeliveryQueued, Outcome: OutcomePending}
	}
}

func (d *Dispatcher) sendLive(cmd protocol.Command) {
	start := d.now()
	d.outbox.Upsert(session.InFlight{
		CommandID: cmd.ID,
		SentAt:    start,
		Deadline:  start.Add(d.ackWait),
		Attempts:  1,
	})

	ack, err := d.transport.SendLive(d.ctx, cmd.WithDelivery(protocol.DeliveryLive))
	if err != nil {
		d.outbox.MarkFailed(cmd.ID, err.Error())
		observability.RecordDispatch(session.RoleController, string(protocol.DeliveryLive), "failed")
		d.logger.Warn().Err(fmt.Errorf("%w: %w", session.ErrChannelUnreachable, err)).Str("command_id", cmd.ID).Msg("live send failed; falling back to queued channel")
		d.enqueue(cmd, err)
		return
	}
	d.outbox.Remove(cmd.ID)
	defer d.wg.Done()

	observability.RecordLiveRoundTrip(session.RoleController, time.Since(start))
	observability.RecordAck(string(ack.Status))
	a := Attempt{CommandID: cmd.ID, Channel: protocol.DeliveryLive, Outcome: OutcomeAcked, Ack: &ack}
	if ack.Status != protocol.StatusSuccess {
		a.Err = session.ErrUnknownAction
	}
	d.finish(a, func() { d.display.RecordAck(ack) })
}

// enqueue hands cmd to the queued channel. liveErr is set when this is a
// fallback after a failed live send.
func (d *Dispatcher) enqueue(cmd protocol.Command, liveErr error) {
	defer d.wg.Done()
	defer d.outbox.Remove(cmd.ID)

	outcome := OutcomeQueued
	if liveErr != nil {
		outcome = OutcomeFallback
	}
	err := d.transport.Enqueue(d.ctx, cmd.WithDelivery(protocol.DeliveryQueued))
	if err != nil {
		reason := err
		if liveErr != nil {
			reason = errors.Join(liveErr, err)
		}
		d.logger.Error().Err(reason).Str("command_id", cmd.ID).Msg("command rejected by both channels")
		a := Attempt{
			CommandID: cmd.ID,
			Channel:   protocol.DeliveryQueued,
			Outcome:   OutcomeRejected,
			Err:       fmt.Errorf("%w: %w", session.ErrTransportRejected, reason),
		}
		d.finish(a, func() { d.display.Show(errorText(err.Error())) })
		return
	}
	d.finish(Attempt{CommandID: cmd.ID, Channel: protocol.DeliveryQueued, Outcome: outcome}, func() {
		d.display.ShowFor(StatusQueued, d.grace)
	})
}

// finish records metrics and posts the display update and result hook to
// the peer loop.
func (d *Dispatcher) finish(a Attempt, update func()) {
	channel := string(a.Channel)
	if channel == "" {
		channel = "none"
	}
	observability.RecordDispatch(session.RoleController, channel, string(a.Outcome))
	d.mu.Lock()
	hook := d.onResult
	d.mu.Unlock()
	d.poster.Post(func() {
		update()
		if hook != nil {
			hook(a)
		}
	})
}

// InFlight lists live commands still waiting on an ack.
func (d *Dispatcher) InFlight() []session.InFlight {
	return d.outbox.List()
}

// Close cancels in-flight sends and waits for them to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
