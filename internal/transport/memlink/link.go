// Package memlink is an in-process paired transport. Both endpoints share
// one queue store; the link itself can be cut, and live sends can be made
// to fail, so peers can be exercised without sockets.
package memlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/queue"
	"github.com/danmuck/vibrolink/internal/transport"
)

var ErrDuplicateReply = errors.New("memlink: command already acknowledged")

type Options struct {
	AckTimeout time.Duration
	Pump       queue.PumpConfig
	EventDepth int
}

func DefaultOptions() Options {
	return Options{
		AckTimeout: session.DefaultConfig().AckTimeout,
		Pump:       queue.PumpConfig{PollInterval: 20 * time.Millisecond},
		EventDepth: 128,
	}
}

// Pair owns a controller endpoint and a responder endpoint.
type Pair struct {
	store queue.Store
	opts  Options

	mu            sync.Mutex
	linkUp        bool
	peerInstalled bool

	controller *Endpoint
	responder  *Endpoint
}

func NewPair(store queue.Store, opts Options) *Pair {
	d := DefaultOptions()
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = d.AckTimeout
	}
	if opts.Pump.PollInterval <= 0 {
		opts.Pump.PollInterval = d.Pump.PollInterval
	}
	if opts.EventDepth <= 0 {
		opts.EventDepth = d.EventDepth
	}
	if store == nil {
		store = queue.NewMemory()
	}
	p := &Pair{
		store:         store,
		opts:          opts,
		linkUp:        true,
		peerInstalled: true,
	}
	p.controller = newEndpoint(p, session.RoleController)
	p.responder = newEndpoint(p, session.RoleResponder)
	p.controller.peer = p.responder
	p.responder.peer = p.controller
	return p
}

func (p *Pair) Controller() *Endpoint { return p.controller }
func (p *Pair) Responder() *Endpoint  { return p.responder }
func (p *Pair) Store() queue.Store    { return p.store }

// SetLinkUp cuts or restores the live link.
func (p *Pair) SetLinkUp(up bool) {
	p.mu.Lock()
	p.linkUp = up
	p.mu.Unlock()
	p.broadcastReachability()
}

// SetPeerInstalled controls what the next activation reports.
func (p *Pair) SetPeerInstalled(installed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerInstalled = installed
}

func (p *Pair) Close() error {
	errC := p.controller.Close()
	errR := p.responder.Close()
	return errors.Join(errC, errR)
}

func (p *Pair) reachable() bool {
	p.mu.Lock()
	up := p.linkUp
	p.mu.Unlock()
	return up && p.controller.isActivated() && p.responder.isActivated()
}

func (p *Pair) installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInstalled
}

func (p *Pair) broadcastReachability() {
	reachable := p.reachable()
	installed := p.installed()
	for _, e := range []*Endpoint{p.controller, p.responder} {
		if !e.isActivated() {
			continue
		}
		e.emit(transport.Event{
			Kind:          transport.EventReachabilityChanged,
			Reachable:     reachable,
			PeerInstalled: installed,
		})
	}
}

// Endpoint is one side of a Pair and implements transport.Transport.
type Endpoint struct {
	pair   *Pair
	peer   *Endpoint
	role   string
	events chan transport.Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	activated  bool
	liveErr    error
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

func newEndpoint(p *Pair, role string) *Endpoint {
	return &Endpoint{
		pair:   p,
		role:   role,
		events: make(chan transport.Event, p.opts.EventDepth),
		done:   make(chan struct{}),
	}
}

func (e *Endpoint) Activate() {
	select {
	case <-e.done:
		return
	default:
	}
	e.mu.Lock()
	e.activated = true
	if e.role == session.RoleResponder && e.pumpCancel == nil {
		e.startPumpLocked()
	}
	e.mu.Unlock()

	e.emit(transport.Event{
		Kind:          transport.EventActivationComplete,
		Activation:    session.ActivationActivated,
		PeerInstalled: e.pair.installed(),
	})
	e.pair.broadcastReachability()
}

func (e *Endpoint) Teardown() {
	e.deactivate()
	e.pair.broadcastReachability()
}

// Deactivate ends the session from the transport side, as if the platform
// had revoked it.
func (e *Endpoint) Deactivate() {
	e.deactivate()
	e.emit(transport.Event{Kind: transport.EventDeactivated})
	e.pair.broadcastReachability()
}

// FailLive makes every live send fail with err until cleared with nil.
func (e *Endpoint) FailLive(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liveErr = err
}

func (e *Endpoint) SendLive(ctx context.Context, cmd protocol.Command) (protocol.Ack, error) {
	if !e.isActivated() {
		return protocol.Ack{}, transport.ErrNotActivated
	}
	if !e.pair.reachable() {
		return protocol.Ack{}, transport.ErrNotReachable
	}
	e.mu.Lock()
	injected := e.liveErr
	e.mu.Unlock()
	if injected != nil {
		return protocol.Ack{}, injected
	}

	replies := make(chan protocol.Ack, 1)
	in := &transport.Inbound{
		Command: cmd.WithDelivery(protocol.DeliveryLive),
		Channel: protocol.DeliveryLive,
		Reply: func(ack protocol.Ack) error {
			select {
			case replies <- ack:
				return nil
			default:
				return ErrDuplicateReply
			}
		},
	}
	if err := e.peer.emitCtx(ctx, transport.Event{Kind: transport.EventMessageReceived, Message: in}); err != nil {
		return protocol.Ack{}, err
	}

	timer := time.NewTimer(e.pair.opts.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-replies:
		return ack, nil
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-timer.C:
		return protocol.Ack{}, transport.ErrAckTimeout
	case <-e.done:
		return protocol.Ack{}, transport.ErrClosed
	}
}

func (e *Endpoint) Enqueue(ctx context.Context, cmd protocol.Command) error {
	select {
	case <-e.done:
		return transport.ErrClosed
	default:
	}
	_, err := queue.EnqueueCommand(ctx, e.pair.store, cmd)
	return err
}

func (e *Endpoint) Events() <-chan transport.Event {
	return e.events
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.deactivate()
	})
	return nil
}

func (e *Endpoint) isActivated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activated
}

func (e *Endpoint) deactivate() {
	e.mu.Lock()
	e.activated = false
	cancel, done := e.pumpCancel, e.pumpDone
	e.pumpCancel, e.pumpDone = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Endpoint) startPumpLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.pumpCancel, e.pumpDone = cancel, done
	pump := queue.NewPump(e.pair.store, e.deliverQueued, e.pair.opts.Pump)
	go func() {
		defer close(done)
		_ = pump.Run(ctx)
	}()
}

func (e *Endpoint) deliverQueued(ctx context.Context, cmd protocol.Command) error {
	return e.emitCtx(ctx, transport.Event{
		Kind: transport.EventMessageReceived,
		Message: &transport.Inbound{
			Command: cmd,
			Channel: protocol.DeliveryQueued,
		},
	})
}

func (e *Endpoint) emit(ev transport.Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

func (e *Endpoint) emitCtx(ctx context.Context, ev transport.Event) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return transport.ErrClosed
	}
}

var _ transport.Transport = (*Endpoint)(nil)
