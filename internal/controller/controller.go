// Package controller is the commanding peer: it keeps its side of the
// session alive and dispatches vibrate commands over the live channel when
// the responder is reachable, or the queued channel when it is not.
package controller

import (
	"context"
	"errors"
	"strings"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/node"
	"github.com/danmuck/vibrolink/internal/observability"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrTransportRequired = errors.New("controller: transport is required")

type Config struct {
	Name        string
	HTTPAddr    string
	CORSOrigins []string
	Session     session.Config
}

type Controller struct {
	cfg        Config
	transport  transport.Transport
	loop       *session.Loop
	mgr        *session.Manager
	sup        *session.Supervisor
	display    *Display
	dispatcher *Dispatcher
	router     *gin.Engine
	logger     zerolog.Logger
}

func New(cfg Config, t transport.Transport) (*Controller, error) {
	if t == nil {
		return nil, ErrTransportRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = session.RoleController
	}

	c := &Controller{
		cfg:       cfg,
		transport: t,
		loop:      session.NewLoop(0),
		logger:    logging.WithComponent("controller").With().Str("node", cfg.Name).Logger(),
	}
	c.mgr = session.NewManager(session.RoleController, t)
	c.sup = session.NewSupervisor(c.mgr, c.loop, cfg.Session.ReconnectDelay)
	c.display = NewDisplay(c.mgr.Snapshot, c.loop)
	c.dispatcher = NewDispatcher(t, c.mgr.Snapshot, c.loop, c.display, cfg.Session)

	c.mgr.Observe(func(prev, next session.State) {
		observability.SetSessionReachable(session.RoleController, next.Reachable)
		c.display.sessionChanged(prev, next)
	})
	c.sup.OnAttempt(func(trigger string) {
		observability.RecordReconnect(session.RoleController, trigger)
	})
	c.router = c.buildRouter()
	return c, nil
}

func (c *Controller) NodeID() string          { return c.cfg.Name }
func (c *Controller) Kind() string            { return session.RoleController }
func (c *Controller) HTTPRouter() *gin.Engine { return c.router }

// Run activates the session and serves until ctx is canceled. In-flight
// sends are abandoned and the transport is closed on return.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop.Run(gctx) })
	g.Go(func() error { return transport.Forward(gctx, c.transport, c.loop, c.handle) })
	if c.cfg.HTTPAddr != "" {
		g.Go(func() error { return node.Serve(gctx, c, c.cfg.HTTPAddr, c.logger) })
	}

	c.logger.Info().Msg("controller starting")
	c.loop.Post(c.mgr.Activate)

	err := g.Wait()
	c.sup.Stop()
	c.dispatcher.Close()
	if cerr := c.transport.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	c.logger.Info().Msg("controller stopped")
	return err
}

// Send dispatches one vibrate command and returns without waiting for the
// transport.
func (c *Controller) Send() Attempt {
	return c.dispatcher.SendCommand()
}

// SendAction dispatches a command with an arbitrary action.
func (c *Controller) SendAction(action string) Attempt {
	return c.dispatcher.Send(action)
}

// OnResult registers a hook run with each final dispatch Attempt.
func (c *Controller) OnResult(fn func(Attempt)) {
	c.dispatcher.OnResult(fn)
}

func (c *Controller) Reconnect() {
	c.loop.Post(c.sup.Reconnect)
}

func (c *Controller) handle(ev transport.Event) {
	if transport.ApplySession(c.mgr, ev) {
		return
	}
	if ev.Kind == transport.EventMessageReceived {
		c.logger.Debug().Msg("controller ignores inbound commands")
	}
}

// Status is the controller's display surface.
type Status struct {
	Name           string             `json:"name"`
	Text           string             `json:"status"`
	Session        session.State      `json:"session"`
	Supervisor     session.Phase      `json:"supervisor"`
	LastAck        *protocol.Ack      `json:"last_ack,omitempty"`
	VibrationCount int                `json:"vibration_count"`
	InFlight       []session.InFlight `json:"in_flight"`
}

func (c *Controller) Status() Status {
	out := Status{
		Name:           c.cfg.Name,
		Text:           c.display.Text(),
		Session:        c.mgr.Snapshot(),
		Supervisor:     c.sup.Phase(),
		VibrationCount: c.display.LastCount(),
		InFlight:       c.dispatcher.InFlight(),
	}
	if ack, ok := c.display.LastAck(); ok {
		out.LastAck = &ack
	}
	return out
}
