package netlink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/auth"
	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/frame"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/queue"
	"github.com/danmuck/vibrolink/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server is the responder endpoint. It accepts one controller at a time;
// a newer controller replaces the older one.
type Server struct {
	cfg    Config
	tls    *tls.Config
	auth   auth.Validator
	store  queue.Store
	events chan transport.Event
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	group  *errgroup.Group
	active *link

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(cfg Config, store queue.Store) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = queue.NewMemory()
	}
	tlsCfg, err := cfg.TLS.serverTLS()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:    cfg,
		tls:    tlsCfg,
		auth:   auth.FromConfig(cfg.PairingToken, cfg.PairingTokenHash),
		store:  store,
		events: make(chan transport.Event, cfg.EventDepth),
		done:   make(chan struct{}),
		logger: logging.WithComponent("netlink.server"),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Addr is the bound listen address while activated.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Activate binds the listener and starts accepting controllers and
// draining the queued channel.
func (s *Server) Activate() {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("addr", s.cfg.Addr).Msg("listen failed")
		s.emit(context.Background(), transport.Event{
			Kind:       transport.EventActivationComplete,
			Activation: session.ActivationError,
			Err:        err,
		})
		return
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s.ln, s.cancel, s.group = ln, cancel, group
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	s.emit(gctx, transport.Event{
		Kind:          transport.EventActivationComplete,
		Activation:    session.ActivationActivated,
		PeerInstalled: true,
	})

	pump := queue.NewPump(s.store, s.deliverQueued, s.cfg.Pump)
	group.Go(func() error { return pump.Run(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		s.closeAllConns()
		_ = ln.Close()
		return nil
	})
	group.Go(func() error { return s.serve(gctx, group, ln) })
}

// Teardown says bye to the connected controller and stops all loops.
func (s *Server) Teardown() {
	s.mu.Lock()
	cancel, group, active := s.cancel, s.group, s.active
	s.cancel, s.group, s.ln, s.active = nil, nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	if active != nil {
		// Wait for the controller to hang up after reading bye.
		if err := active.write(frame.New(frame.MsgBye, uint64(time.Now().UnixNano()), 0, nil)); err == nil {
			select {
			case <-active.closed:
			case <-time.After(s.cfg.Session.WriteTimeout):
			}
		}
	}
	cancel()
	if err := group.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("server loops exited with error")
	}
}

func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.Teardown()
	})
	return nil
}

func (s *Server) Events() <-chan transport.Event {
	return s.events
}

// SendLive is not used on the responder; commands only flow one way.
func (s *Server) SendLive(context.Context, protocol.Command) (protocol.Ack, error) {
	return protocol.Ack{}, transport.ErrNotReachable
}

func (s *Server) Enqueue(ctx context.Context, cmd protocol.Command) error {
	_, err := queue.EnqueueCommand(ctx, s.store, cmd)
	return err
}

func (s *Server) serve(ctx context.Context, group *errgroup.Group, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		group.Go(func() error {
			s.handleConn(ctx, conn)
			return nil
		})
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)

	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("bad hello")
		return
	}
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		Message:     "ok",
		PeerID:      s.cfg.PeerID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if hello.Role != session.RoleController {
		ack.Status = session.AckStatusRejected
		ack.Code = session.HelloCodeWrongRole
		ack.Message = "responder only accepts controllers"
		_ = session.WriteHelloAck(conn, ack)
		return
	}
	if err := auth.Check(s.auth, hello.PairingToken); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", hello.PeerID).Msg("pairing rejected")
		ack.Status = session.AckStatusRejected
		ack.Code = session.HelloCodeUnauthorized
		ack.Message = "pairing token rejected"
		_ = session.WriteHelloAck(conn, ack)
		return
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		s.logger.Warn().Err(err).Msg("write hello ack failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	l := newLink(conn, reader, s.cfg)
	defer l.close()
	s.promote(ctx, l)
	s.logger.Info().Str("peer_id", hello.PeerID).Str("remote", l.remote()).Msg("controller connected")
	defer s.demote(ctx, l)

	for {
		fr, err := l.read()
		if err != nil {
			return
		}
		switch fr.Header.MessageType {
		case frame.MsgCommand:
			if err := s.handleCommand(ctx, l, fr); err != nil {
				return
			}
		case frame.MsgPing:
			if err := l.write(frame.New(frame.MsgPong, fr.Header.MessageID, frame.FlagIsResponse, nil)); err != nil {
				return
			}
		case frame.MsgPong:
		case frame.MsgBye:
			s.logger.Info().Str("peer_id", hello.PeerID).Msg("controller said bye")
			return
		default:
			s.logger.Warn().Uint32("message_type", fr.Header.MessageType).Msg("unexpected frame")
		}
	}
}

func (s *Server) handleCommand(ctx context.Context, l *link, fr frame.Frame) error {
	id := fr.Header.MessageID
	cmd, err := protocol.DecodeCommand(fr.Payload)
	if err != nil {
		return l.write(frame.New(frame.MsgAck, id, frame.FlagIsResponse|frame.FlagIsError, []byte(err.Error())))
	}
	in := &transport.Inbound{
		Command: cmd.WithDelivery(protocol.DeliveryLive),
		Channel: protocol.DeliveryLive,
		Reply: func(ack protocol.Ack) error {
			payload, err := protocol.EncodeAck(ack)
			if err != nil {
				return err
			}
			return l.write(frame.New(frame.MsgAck, id, frame.FlagIsResponse, payload))
		},
	}
	return s.emit(ctx, transport.Event{Kind: transport.EventMessageReceived, Message: in})
}

func (s *Server) deliverQueued(ctx context.Context, cmd protocol.Command) error {
	return s.emit(ctx, transport.Event{
		Kind: transport.EventMessageReceived,
		Message: &transport.Inbound{
			Command: cmd,
			Channel: protocol.DeliveryQueued,
		},
	})
}

func (s *Server) promote(ctx context.Context, l *link) {
	s.mu.Lock()
	prev := s.active
	s.active = l
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	_ = s.emit(ctx, transport.Event{
		Kind:          transport.EventReachabilityChanged,
		Reachable:     true,
		PeerInstalled: true,
	})
}

func (s *Server) demote(ctx context.Context, l *link) {
	s.mu.Lock()
	current := s.active == l
	if current {
		s.active = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	_ = s.emit(ctx, transport.Event{
		Kind:          transport.EventReachabilityChanged,
		Reachable:     false,
		PeerInstalled: true,
	})
}

func (s *Server) emit(ctx context.Context, ev transport.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return transport.ErrClosed
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

var _ transport.Transport = (*Server)(nil)
