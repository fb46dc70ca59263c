// Package responder is the receiving peer: it activates its side of the
// session, acts on vibrate commands from either channel, and answers live
// commands with an ack.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

var ErrTransportRequired = errors.New("responder: transport is required")

type Config struct {
	Name        string
	HTTPAddr    string
	CORSOrigins []string
	Session     session.Config
	Liveness    LivenessConfig
}

// Responder owns the session, the action handler and background liveness
// for one receiving peer.
type Responder struct {
	cfg       Config
	transport transport.Transport
	loop      *session.Loop
	mgr       *session.Manager
	sup       *session.Supervisor
	handler   *Handler
	liveness  *Liveness
	router    *gin.Engine
	logger    zerolog.Logger
}

// New wires a responder over t. A nil effect logs pulses; a nil provider
// falls back to a TimedLease of cfg.Liveness.Lease.
func New(cfg Config, t transport.Transport, effect Effect, provider LivenessProvider) (*Responder, error) {
	if t == nil {
		return nil, ErrTransportRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = session.RoleResponder
	}
	if provider == nil {
		provider = TimedLease{Lease: cfg.Liveness.Lease}
	}

	r := &Responder{
		cfg:       cfg,
		transport: t,
		loop:      session.NewLoop(0),
		logger:    logging.WithComponent("responder").With().Str("node", cfg.Name).Logger(),
	}
	r.mgr = session.NewManager(session.RoleResponder, t)
	r.sup = session.NewSupervisor(r.mgr, r.loop, cfg.Session.ReconnectDelay)
	r.liveness = NewLiveness(provider, r.loop, cfg.Liveness)
	r.handler = NewHandler(effect, r.liveness.Live, r.loop, cfg.Session)

	r.mgr.Observe(func(_, next session.State) {
		observability.SetSessionReachable(session.RoleResponder, next.Reachable)
	})
	r.sup.OnAttempt(func(trigger string) {
		observability.RecordReconnect(session.RoleResponder, trigger)
	})
	r.router = r.buildRouter()
	return r, nil
}

func (r *Responder) NodeID() string          { return r.cfg.Name }
func (r *Responder) Kind() string            { return session.RoleResponder }
func (r *Responder) HTTPRouter() *gin.Engine { return r.router }

// Run activates the session and serves until ctx is canceled. The
// transport is closed on return.
func (r *Responder) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop.Run(gctx) })
	g.Go(func() error { return transport.Forward(gctx, r.transport, r.loop, r.handle) })
	if r.cfg.HTTPAddr != "" {
		g.Go(func() error { return node.Serve(gctx, r, r.cfg.HTTPAddr, r.logger) })
	}

	r.logger.Info().Msg("responder starting")
	r.loop.Post(r.mgr.Activate)
	r.liveness.Start(gctx)

	err := g.Wait()
	r.sup.Stop()
	r.handler.Stop()
	if cerr := r.transport.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	r.logger.Info().Msg("responder stopped")
	return err
}

// Reconnect tears the session down and schedules a fresh activation.
func (r *Responder) Reconnect() {
	r.loop.Post(r.sup.Reconnect)
}

func (r *Responder) handle(ev transport.Event) {
	if transport.ApplySession(r.mgr, ev) {
		return
	}
	if ev.Kind != transport.EventMessageReceived || ev.Message == nil {
		return
	}
	in := ev.Message
	if in.Channel != protocol.DeliveryLive {
		r.handler.HandleQueued(in.Command)
		return
	}
	ack, err := r.handler.HandleLive(in.Command)
	if err != nil || in.Reply == nil {
		return
	}
	if err := in.Reply(ack); err != nil {
		r.logger.Warn().Err(err).Str("command_id", in.Command.ID).Msg("live reply failed")
	}
}

// Status is the responder's display surface.
type Status struct {
	Name           string        `json:"name"`
	Text           string        `json:"status"`
	Session        session.State `json:"session"`
	Supervisor     session.Phase `json:"supervisor"`
	VibrationCount int           `json:"vibration_count"`
	LastVibrateAt  *time.Time    `json:"last_vibrate_at,omitempty"`
	Liveness       LivenessState `json:"background_liveness"`
}

func (r *Responder) Status() Status {
	st := r.mgr.Snapshot()
	c := r.handler.Counters()
	out := Status{
		Name:           r.cfg.Name,
		Text:           statusText(st, r.handler.Transient()),
		Session:        st,
		Supervisor:     r.sup.Phase(),
		VibrationCount: c.VibrationCount,
		Liveness:       r.liveness.State(),
	}
	if !c.LastVibrateAt.IsZero() {
		last := c.LastVibrateAt
		out.LastVibrateAt = &last
	}
	return out
}

// statusText is the responder view: once activated it is Ready whether or
// not the controller is currently reachable.
func statusText(st session.State, transient string) string {
	switch {
	case st.Unsupported:
		return session.StatusUnsupported
	case st.Activated() && transient != "":
		return transient
	case st.Activated():
		return session.StatusReady
	case st.Activation == session.ActivationError && st.LastError != "":
		return fmt.Sprintf("Error: %s", st.LastError)
	default:
		return st.StatusText()
	}
}
