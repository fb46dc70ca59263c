package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/testutil/testlog"
	"github.com/danmuck/vibrolink/internal/transport/memlink"
	"github.com/gin-gonic/gin"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type harness struct {
	pair   *memlink.Pair
	r      *Responder
	effect *countingEffect
	cancel context.CancelFunc
	done   chan error
}

func startResponder(t *testing.T) *harness {
	t.Helper()
	pair := memlink.NewPair(nil, memlink.Options{AckTimeout: time.Second})
	cfg := Config{Name: "wrist", Session: noPulse()}
	cfg.Session.ReconnectDelay = 20 * time.Millisecond
	effect := &countingEffect{}
	r, err := New(cfg, pair.Responder(), effect, nil)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{pair: pair, r: r, effect: effect, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			if err != nil {
				t.Errorf("responder run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("responder did not stop")
		}
		_ = pair.Close()
	})
	testlog.WaitFor(t, time.Second, "responder activation", func() bool {
		return r.Status().Session.Activated()
	})
	return h
}

func TestNewRequiresTransport(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{}, nil, nil, nil); err == nil {
		t.Fatalf("expected error without transport")
	}
}

func TestResponderReadyBeforeControllerArrives(t *testing.T) {
	testlog.Start(t)
	h := startResponder(t)

	st := h.r.Status()
	if st.Text != session.StatusReady {
		t.Fatalf("expected %q, got %q", session.StatusReady, st.Text)
	}
	if st.Session.Reachable {
		t.Fatalf("controller is not activated yet; must not be reachable")
	}
}

func TestResponderAnswersLiveCommands(t *testing.T) {
	testlog.Start(t)
	h := startResponder(t)

	ctrl := h.pair.Controller()
	ctrl.Activate()
	testlog.WaitFor(t, time.Second, "reachable", func() bool { return h.r.Status().Session.Reachable })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := ctrl.SendLive(ctx, protocol.NewVibrate("live-1", time.Now()))
	if err != nil {
		t.Fatalf("send live: %v", err)
	}
	if ack.Status != protocol.StatusSuccess || ack.VibrationCount != 1 || ack.CommandID != "live-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	st := h.r.Status()
	if st.Text != StatusVibrated {
		t.Fatalf("expected transient status, got %q", st.Text)
	}
	if st.LastVibrateAt == nil {
		t.Fatalf("expected last vibrate time in status")
	}

	ack, err = ctrl.SendLive(ctx, protocol.Command{ID: "odd", Action: "dance", IssuedAt: time.Now()})
	if err != nil {
		t.Fatalf("send unknown: %v", err)
	}
	if ack.Status != protocol.StatusUnknownAction || ack.VibrationCount != 1 {
		t.Fatalf("unexpected ack for unknown action: %+v", ack)
	}
	if h.effect.n.Load() != 1 {
		t.Fatalf("expected one effect, got %d", h.effect.n.Load())
	}
}

func TestResponderDrainsQueuedCommands(t *testing.T) {
	testlog.Start(t)
	h := startResponder(t)

	ctrl := h.pair.Controller()
	ctx := context.Background()
	for _, id := range []string{"q1", "q2"} {
		if err := ctrl.Enqueue(ctx, protocol.NewVibrate(id, time.Now())); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	testlog.WaitFor(t, 2*time.Second, "queued delivery", func() bool {
		return h.r.Status().VibrationCount == 2
	})
	testlog.WaitFor(t, time.Second, "queue drained", func() bool {
		n, err := h.pair.Store().Len(ctx)
		return err == nil && n == 0
	})
}

func TestResponderReactivatesAfterDeactivation(t *testing.T) {
	testlog.Start(t)
	h := startResponder(t)

	h.pair.Responder().Deactivate()
	testlog.WaitFor(t, time.Second, "re-activation", func() bool {
		st := h.r.Status()
		return st.Supervisor == session.PhaseActivated && st.Session.Activated()
	})
}

func TestResponderRoutes(t *testing.T) {
	testlog.Start(t)
	h := startResponder(t)
	router := h.r.HTTPRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: %d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Name != "wrist" || st.Text != session.StatusReady {
		t.Fatalf("unexpected status body: %+v", st)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready code: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/session/reconnect", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reconnect code: %d", rec.Code)
	}
	testlog.WaitFor(t, time.Second, "user reconnect", func() bool {
		st := h.r.Status()
		return st.Supervisor == session.PhaseActivated && st.Session.Activated()
	})
}
