package memlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/testutil/testlog"
	"github.com/danmuck/vibrolink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func next(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return transport.Event{}
	}
}

func nextKind(t *testing.T, ch <-chan transport.Event, kind transport.EventKind) transport.Event {
	t.Helper()
	for {
		ev := next(t, ch)
		if ev.Kind == kind {
			return ev
		}
	}
}

func TestActivationReportsReachabilityOncePaired(t *testing.T) {
	testlog.Start(t)
	pair := NewPair(nil, Options{})
	t.Cleanup(func() { _ = pair.Close() })

	pair.Controller().Activate()
	ev := next(t, pair.Controller().Events())
	require.Equal(t, transport.EventActivationComplete, ev.Kind)
	assert.Equal(t, session.ActivationActivated, ev.Activation)
	assert.True(t, ev.PeerInstalled)
	ev = next(t, pair.Controller().Events())
	require.Equal(t, transport.EventReachabilityChanged, ev.Kind)
	assert.False(t, ev.Reachable, "responder not yet activated")

	pair.Responder().Activate()
	ev = nextKind(t, pair.Controller().Events(), transport.EventReachabilityChanged)
	assert.True(t, ev.Reachable)

	pair.SetLinkUp(false)
	ev = nextKind(t, pair.Controller().Events(), transport.EventReachabilityChanged)
	assert.False(t, ev.Reachable)
}

func TestSendLiveRoundTrip(t *testing.T) {
	testlog.Start(t)
	pair := NewPair(nil, Options{})
	t.Cleanup(func() { _ = pair.Close() })
	pair.Controller().Activate()
	pair.Responder().Activate()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-pair.Responder().Events():
				if ev.Kind != transport.EventMessageReceived || ev.Message.Reply == nil {
					continue
				}
				_ = ev.Message.Reply(protocol.Ack{CommandID: ev.Message.Command.ID, Status: protocol.StatusSuccess, VibrationCount: 1})
			}
		}
	}()

	ack, err := pair.Controller().SendLive(ctx, protocol.NewVibrate("cmd.1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "cmd.1", ack.CommandID)
	assert.Equal(t, 1, ack.VibrationCount)
}

func TestSendLiveFailures(t *testing.T) {
	testlog.Start(t)
	pair := NewPair(nil, Options{AckTimeout: 30 * time.Millisecond})
	t.Cleanup(func() { _ = pair.Close() })
	ctx := context.Background()

	_, err := pair.Controller().SendLive(ctx, protocol.NewVibrate("a", time.Now()))
	assert.ErrorIs(t, err, transport.ErrNotActivated)

	pair.Controller().Activate()
	_, err = pair.Controller().SendLive(ctx, protocol.NewVibrate("b", time.Now()))
	assert.ErrorIs(t, err, transport.ErrNotReachable)

	pair.Responder().Activate()
	boom := errors.New("radio glitch")
	pair.Controller().FailLive(boom)
	_, err = pair.Controller().SendLive(ctx, protocol.NewVibrate("c", time.Now()))
	assert.ErrorIs(t, err, boom)

	pair.Controller().FailLive(nil)
	_, err = pair.Controller().SendLive(ctx, protocol.NewVibrate("d", time.Now()))
	assert.ErrorIs(t, err, transport.ErrAckTimeout, "nobody replies")
}

func TestQueuedDeliveryWaitsForResponderActivation(t *testing.T) {
	testlog.Start(t)
	pair := NewPair(nil, Options{})
	t.Cleanup(func() { _ = pair.Close() })
	ctx := context.Background()

	require.NoError(t, pair.Controller().Enqueue(ctx, protocol.NewVibrate("q1", time.Now())))
	require.NoError(t, pair.Controller().Enqueue(ctx, protocol.NewVibrate("q2", time.Now())))
	n, err := pair.Store().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pair.Responder().Activate()
	first := nextKind(t, pair.Responder().Events(), transport.EventMessageReceived)
	second := nextKind(t, pair.Responder().Events(), transport.EventMessageReceived)
	assert.Equal(t, "q1", first.Message.Command.ID)
	assert.Equal(t, "q2", second.Message.Command.ID)
	assert.Equal(t, protocol.DeliveryQueued, first.Message.Channel)
	assert.Nil(t, first.Message.Reply, "queued deliveries cannot be acknowledged")
}

func TestDeactivateEmitsEvent(t *testing.T) {
	testlog.Start(t)
	pair := NewPair(nil, Options{})
	t.Cleanup(func() { _ = pair.Close() })
	pair.Controller().Activate()
	pair.Responder().Activate()
	pair.Controller().Deactivate()
	nextKind(t, pair.Controller().Events(), transport.EventDeactivated)
	ev := nextKind(t, pair.Responder().Events(), transport.EventReachabilityChanged)
	for ev.Reachable {
		ev = nextKind(t, pair.Responder().Events(), transport.EventReachabilityChanged)
	}
	assert.False(t, ev.Reachable)
}
