package netlink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/frame"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/queue"
	"github.com/danmuck/vibrolink/internal/transport"
	"github.com/rs/zerolog"
)

// Client is the controller endpoint. Activation succeeds locally at once;
// the responder's presence is then reported through reachability.
type Client struct {
	cfg    Config
	tls    *tls.Config
	store  queue.Store
	events chan transport.Event
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	nextMessageID atomic.Uint64
	outbox        *session.Outbox

	mu            sync.Mutex
	cancel        context.CancelFunc
	runDone       chan struct{}
	active        *link
	pending       map[uint64]chan frame.Frame
	reachable     bool
	peerInstalled bool
}

func NewClient(cfg Config, store queue.Store) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = queue.NewMemory()
	}
	tlsCfg, err := cfg.TLS.clientTLS(cfg.Addr)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:           cfg,
		tls:           tlsCfg,
		store:         store,
		events:        make(chan transport.Event, cfg.EventDepth),
		done:          make(chan struct{}),
		logger:        logging.WithComponent("netlink.client").With().Str("addr", cfg.Addr).Logger(),
		outbox:        session.NewOutbox(),
		pending:       make(map[uint64]chan frame.Frame),
		peerInstalled: true,
	}
	c.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

func (c *Client) Activate() {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.runDone = cancel, done
	installed := c.peerInstalled
	c.mu.Unlock()

	c.emit(ctx, transport.Event{
		Kind:          transport.EventActivationComplete,
		Activation:    session.ActivationActivated,
		PeerInstalled: installed,
	})
	go func() {
		defer close(done)
		c.run(ctx, done)
	}()
}

func (c *Client) Teardown() {
	c.mu.Lock()
	cancel, done := c.cancel, c.runDone
	c.cancel, c.runDone = nil, nil
	c.reachable = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.Teardown()
	})
	return nil
}

func (c *Client) Events() <-chan transport.Event {
	return c.events
}

// InFlight reports live commands still awaiting an ack.
func (c *Client) InFlight() []session.InFlight {
	return c.outbox.List()
}

func (c *Client) Enqueue(ctx context.Context, cmd protocol.Command) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	_, err := queue.EnqueueCommand(ctx, c.store, cmd)
	return err
}

func (c *Client) SendLive(ctx context.Context, cmd protocol.Command) (protocol.Ack, error) {
	payload, err := protocol.EncodeCommand(cmd.WithDelivery(protocol.DeliveryLive))
	if err != nil {
		return protocol.Ack{}, err
	}

	c.mu.Lock()
	l := c.active
	if l == nil {
		c.mu.Unlock()
		return protocol.Ack{}, transport.ErrNotReachable
	}
	id := c.nextMessageID.Add(1)
	replies := make(chan frame.Frame, 1)
	c.pending[id] = replies
	c.mu.Unlock()

	start := time.Now()
	c.outbox.Upsert(session.InFlight{
		CommandID: cmd.ID,
		MessageID: id,
		SentAt:    start,
		Deadline:  start.Add(c.cfg.Session.AckTimeout),
	})
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.outbox.Remove(cmd.ID)
	}()

	if err := l.write(frame.New(frame.MsgCommand, id, 0, payload)); err != nil {
		c.outbox.MarkFailed(cmd.ID, err.Error())
		return protocol.Ack{}, fmt.Errorf("%w: %v", transport.ErrNotReachable, err)
	}

	timer := time.NewTimer(c.cfg.Session.AckTimeout)
	defer timer.Stop()
	select {
	case fr, ok := <-replies:
		if !ok {
			return protocol.Ack{}, transport.ErrNotReachable
		}
		if fr.Header.Flags&frame.FlagIsError != 0 {
			return protocol.Ack{}, fmt.Errorf("%w: %s", session.ErrTransportRejected, string(fr.Payload))
		}
		return protocol.DecodeAck(fr.Payload)
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-timer.C:
		c.outbox.MarkFailed(cmd.ID, "ack timeout")
		return protocol.Ack{}, transport.ErrAckTimeout
	}
}

// run keeps one link up until ctx ends, the responder rejects us, or the
// responder ends the session.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	backoff := session.NewBackoff(c.cfg.Session.Backoff)
	for {
		l, err := c.connect(ctx)
		if ctx.Err() != nil {
			if l != nil {
				l.close()
			}
			return
		}
		if errors.Is(err, ErrHandshakeRejected) {
			c.logger.Warn().Err(err).Msg("responder rejected hello")
			c.setReachable(ctx, false, false)
			return
		}
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", backoff.Attempts()+1).Msg("dial failed")
			if err := backoff.Wait(ctx); err != nil {
				return
			}
			continue
		}
		backoff.Reset()
		c.logger.Info().Str("remote", l.remote()).Msg("live link up")
		c.setReachable(ctx, true, true)

		err = c.serve(ctx, l)
		c.setReachable(ctx, false, true)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errPeerSaidBye) {
			c.logger.Info().Msg("responder ended session")
			cancel := c.release(done)
			c.emit(context.Background(), transport.Event{Kind: transport.EventDeactivated})
			if cancel != nil {
				cancel()
			}
			return
		}
		c.logger.Warn().Err(err).Msg("live link lost")
	}
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	if c.tls != nil {
		tlsConn := tls.Client(conn, c.tls)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}
	reader := bufio.NewReader(conn)
	hello := session.Hello{
		Role:         session.RoleController,
		PeerID:       c.cfg.PeerID,
		AppVersion:   c.cfg.AppVersion,
		PairingToken: c.cfg.PairingToken,
	}
	if err := session.WriteHello(conn, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ack.Accepted() {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrHandshakeRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return newLink(conn, reader, c.cfg), nil
}

func (c *Client) serve(ctx context.Context, l *link) error {
	c.mu.Lock()
	c.active = l
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		l.close()
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(l) }()

	ticker := time.NewTicker(c.cfg.Session.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = l.write(frame.New(frame.MsgBye, c.nextMessageID.Add(1), 0, nil))
			l.close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := l.write(frame.New(frame.MsgPing, c.nextMessageID.Add(1), 0, nil)); err != nil {
				l.close()
				<-readErr
				return err
			}
		}
	}
}

func (c *Client) readLoop(l *link) error {
	for {
		fr, err := l.read()
		if err != nil {
			return err
		}
		switch fr.Header.MessageType {
		case frame.MsgAck:
			c.mu.Lock()
			ch, ok := c.pending[fr.Header.MessageID]
			if ok {
				delete(c.pending, fr.Header.MessageID)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Debug().Uint64("message_id", fr.Header.MessageID).Msg("late ack dropped")
				continue
			}
			ch <- fr
		case frame.MsgPing:
			if err := l.write(frame.New(frame.MsgPong, fr.Header.MessageID, frame.FlagIsResponse, nil)); err != nil {
				return err
			}
		case frame.MsgPong:
		case frame.MsgBye:
			return errPeerSaidBye
		default:
			c.logger.Warn().Uint32("message_type", fr.Header.MessageType).Msg("unexpected frame")
		}
	}
}

// release clears the run slot so the next Activate starts fresh, and hands
// back the slot's cancel func.
func (c *Client) release(done chan struct{}) context.CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runDone != done {
		return nil
	}
	cancel := c.cancel
	c.cancel, c.runDone = nil, nil
	return cancel
}

func (c *Client) setReachable(ctx context.Context, reachable, installed bool) {
	c.mu.Lock()
	changed := c.reachable != reachable || c.peerInstalled != installed
	c.reachable = reachable
	c.peerInstalled = installed
	c.mu.Unlock()
	if !changed {
		return
	}
	c.emit(ctx, transport.Event{
		Kind:          transport.EventReachabilityChanged,
		Reachable:     reachable,
		PeerInstalled: installed,
	})
}

func (c *Client) emit(ctx context.Context, ev transport.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	case <-c.done:
	}
}

var _ transport.Transport = (*Client)(nil)
