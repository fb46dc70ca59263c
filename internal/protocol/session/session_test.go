package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/vibrolink/internal/testutil/testlog"
)

// fakeActivator completes activation through the supplied callback.
type fakeActivator struct {
	activations atomic.Int32
	teardowns   atomic.Int32
	complete    func()
}

func (f *fakeActivator) Activate() {
	f.activations.Add(1)
	if f.complete != nil {
		f.complete()
	}
}

func (f *fakeActivator) Teardown() {
	f.teardowns.Add(1)
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, Multiplier: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.Attempts() != 1 {
		t.Fatalf("unexpected attempts=%d", b.Attempts())
	}
	b.Reset()
	if b.Attempts() != 0 {
		t.Fatalf("reset did not clear attempts")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ReconnectDelay: 10 * time.Millisecond, SecondaryPulseDelay: -1}.WithDefaults()
	if cfg.ReconnectDelay != 10*time.Millisecond {
		t.Fatalf("explicit reconnect delay overwritten: %v", cfg.ReconnectDelay)
	}
	if cfg.SecondaryPulseDelay >= 0 {
		t.Fatalf("negative pulse delay must survive defaults")
	}
	if cfg.QueuedGracePeriod != 3*time.Second || cfg.StatusResetDelay != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(InFlight{CommandID: "cmd.1", MessageID: 1, SentAt: now, Deadline: now.Add(time.Second)})
	o.Upsert(InFlight{CommandID: "cmd.2", MessageID: 2, SentAt: now.Add(time.Second), Deadline: now.Add(time.Hour)})
	item, ok := o.MarkFailed("cmd.1", "timeout")
	if !ok || item.Attempts != 1 || item.LastError != "timeout" {
		t.Fatalf("unexpected item: %+v ok=%v", item, ok)
	}
	expired := o.Expired(now.Add(2 * time.Second))
	if len(expired) != 1 || expired[0].CommandID != "cmd.1" {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
	o.Remove("cmd.1")
	if _, ok := o.Get("cmd.1"); ok {
		t.Fatalf("command should be removed")
	}
	if o.Len() != 1 {
		t.Fatalf("unexpected len=%d", o.Len())
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{Role: RoleController, PeerID: "phone.1"}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack := HelloAck{Status: AckStatusAccepted, Message: "ok", PeerID: "watch.1", TimestampMS: 1700000000000}
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	r := bufio.NewReader(&buf)
	hello, err := ReadHello(r)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Role != RoleController || hello.PeerID != "phone.1" {
		t.Fatalf("unexpected hello: %+v", hello)
	}
	got, err := ReadHelloAck(r)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !got.Accepted() || got.PeerID != "watch.1" {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestHelloValidate(t *testing.T) {
	testlog.Start(t)
	if err := (Hello{Role: "toaster", PeerID: "x"}).Validate(); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
	if err := (HelloAck{Status: AckStatusRejected, PeerID: "x"}).Validate(); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck for missing timestamp, got %v", err)
	}
}

func TestStatusTextTable(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		state State
		want  string
	}{
		{InitialState(), StatusNotActivated},
		{State{Activation: ActivationActivating}, StatusWaiting},
		{State{Activation: ActivationActivated, PeerInstalled: true, Reachable: true}, StatusReady},
		{State{Activation: ActivationActivated, PeerInstalled: true}, StatusNotReachable},
		{State{Activation: ActivationActivated}, StatusNotInstalled},
		{State{Activation: ActivationInactive}, StatusInactive},
		{State{Activation: ActivationError}, StatusError},
		{State{Activation: ActivationError, Unsupported: true}, StatusUnsupported},
	}
	for _, tc := range cases {
		if got := tc.state.StatusText(); got != tc.want {
			t.Fatalf("status for %+v got=%q want=%q", tc.state, got, tc.want)
		}
	}
}

func TestManagerActivationLifecycle(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleController, act)
	m.Activate()
	if got := m.Snapshot().Activation; got != ActivationActivating {
		t.Fatalf("expected activating, got %s", got)
	}
	m.Activate()
	if act.activations.Load() != 1 {
		t.Fatalf("second activate must be ignored while activating")
	}

	m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})
	m.OnReachabilityChanged(true)
	if s := m.Snapshot(); !s.Ready() || s.StatusText() != StatusReady {
		t.Fatalf("expected ready state, got %+v", s)
	}

	m.OnBecameInactive()
	if s := m.Snapshot(); s.Reachable || s.Activation != ActivationInactive {
		t.Fatalf("inactive must clear reachable: %+v", s)
	}
}

func TestManagerActivationFailureClearsReachable(t *testing.T) {
	testlog.Start(t)
	m := NewManager(RoleResponder, &fakeActivator{})
	m.Activate()
	m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})
	m.OnReachabilityChanged(true)
	m.OnActivationComplete(ActivationResult{Err: errors.New("radio off")})
	s := m.Snapshot()
	if s.Activation != ActivationError || s.Reachable || s.LastError != "radio off" {
		t.Fatalf("unexpected state after failure: %+v", s)
	}
}

func TestManagerIgnoresReachabilityOutsideActivated(t *testing.T) {
	testlog.Start(t)
	m := NewManager(RoleController, &fakeActivator{})
	m.OnReachabilityChanged(true)
	if m.Snapshot().Reachable {
		t.Fatalf("reachable must stay false before activation")
	}
	if m.Snapshot().Generation != 0 {
		t.Fatalf("dropped report must not commit")
	}
}

func TestManagerWithoutTransportIsUnsupported(t *testing.T) {
	testlog.Start(t)
	m := NewManager(RoleController, nil)
	m.Activate()
	if got := m.Snapshot().StatusText(); got != StatusUnsupported {
		t.Fatalf("expected unsupported status, got %q", got)
	}
}

func TestManagerInvariantUnderRandomCallbacks(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(42))
	m := NewManager(RoleController, &fakeActivator{})
	var violations atomic.Int32
	var lastGen uint64
	m.Observe(func(prev, next State) {
		if !next.Consistent() {
			violations.Add(1)
		}
		if next.Generation != lastGen+1 {
			violations.Add(1)
		}
		lastGen = next.Generation
	})
	results := []Activation{ActivationActivated, ActivationInactive, ActivationNotActivated, ActivationError}
	for i := 0; i < 5000; i++ {
		switch rng.Intn(7) {
		case 0:
			m.Activate()
		case 1:
			m.OnActivationComplete(ActivationResult{Activation: results[rng.Intn(len(results))], PeerInstalled: rng.Intn(2) == 0})
		case 2, 3:
			m.OnReachabilityChanged(rng.Intn(2) == 0)
		case 4:
			m.OnBecameInactive()
		case 5:
			m.OnDeactivated()
		case 6:
			m.OnPeerInstalledChanged(rng.Intn(2) == 0)
		}
		if s := m.Snapshot(); !s.Consistent() {
			t.Fatalf("step %d: reachable without activation: %+v", i, s)
		}
	}
	if violations.Load() != 0 {
		t.Fatalf("observer saw %d violations", violations.Load())
	}
}

func TestSnapshotReadersDoNotRace(t *testing.T) {
	testlog.Start(t)
	m := NewManager(RoleController, &fakeActivator{})
	m.Activate()
	m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if s := m.Snapshot(); !s.Consistent() {
					t.Errorf("inconsistent snapshot: %+v", s)
					return
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		m.OnReachabilityChanged(i%2 == 0)
	}
	close(stop)
	wg.Wait()
}

func TestSupervisorReactivatesAfterDeactivation(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleController, act)
	act.complete = func() {
		go m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})
	}
	sup := NewSupervisor(m, Inline{}, 20*time.Millisecond)
	t.Cleanup(sup.Stop)

	m.Activate()
	testlog.WaitFor(t, time.Second, "initial activation", func() bool { return m.Snapshot().Activated() })

	start := time.Now()
	m.OnDeactivated()
	if sup.Phase() != PhaseReconnectRequested {
		t.Fatalf("expected reconnect requested, got %s", sup.Phase())
	}
	testlog.WaitFor(t, time.Second, "re-activation", func() bool {
		return sup.Phase() == PhaseActivated && m.Snapshot().Activated()
	})
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("re-activation fired before delay: %v", elapsed)
	}
	if act.activations.Load() != 2 || sup.Attempts() != 1 {
		t.Fatalf("expected exactly one supervised attempt, activations=%d attempts=%d", act.activations.Load(), sup.Attempts())
	}
}

func TestSupervisorUserReconnectTearsDown(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleController, act)
	sup := NewSupervisor(m, Inline{}, 10*time.Millisecond)
	t.Cleanup(sup.Stop)
	var triggers []string
	var mu sync.Mutex
	sup.OnAttempt(func(trigger string) {
		mu.Lock()
		defer mu.Unlock()
		triggers = append(triggers, trigger)
	})

	m.Activate()
	m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})
	sup.Reconnect()
	if act.teardowns.Load() != 1 {
		t.Fatalf("reconnect must tear down the current handle")
	}
	if got := m.Snapshot().Activation; got != ActivationNotActivated {
		t.Fatalf("expected not activated after teardown, got %s", got)
	}
	testlog.WaitFor(t, time.Second, "reconnect activation", func() bool {
		return m.Snapshot().Activation == ActivationActivating
	})
	m.OnActivationComplete(ActivationResult{Activation: ActivationError})
	if sup.Phase() != PhaseError {
		t.Fatalf("expected supervisor error phase, got %s", sup.Phase())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(triggers) != 1 || triggers[0] != TriggerUser {
		t.Fatalf("unexpected triggers: %v", triggers)
	}
}

func TestSupervisorCoalescesTriggers(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleController, act)
	sup := NewSupervisor(m, Inline{}, 30*time.Millisecond)
	t.Cleanup(sup.Stop)
	m.OnDeactivated()
	m.OnDeactivated()
	testlog.WaitFor(t, time.Second, "activation", func() bool { return act.activations.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	if act.activations.Load() != 1 {
		t.Fatalf("superseded trigger must not fire, activations=%d", act.activations.Load())
	}
}

func TestSupervisorSettlesWhenSessionRecoversBeforeAttempt(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleController, act)
	sup := NewSupervisor(m, Inline{}, 20*time.Millisecond)
	t.Cleanup(sup.Stop)
	var hooks atomic.Int32
	sup.OnAttempt(func(string) { hooks.Add(1) })

	m.Activate()
	m.OnDeactivated()
	m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})

	testlog.WaitFor(t, time.Second, "supervisor settles", func() bool { return sup.Phase() == PhaseActivated })
	time.Sleep(40 * time.Millisecond)
	if sup.Phase() != PhaseActivated || !m.Snapshot().Activated() {
		t.Fatalf("expected activated, phase=%s activation=%s", sup.Phase(), m.Snapshot().Activation)
	}
	if sup.Attempts() != 0 || hooks.Load() != 0 {
		t.Fatalf("no attempt should run, attempts=%d hooks=%d", sup.Attempts(), hooks.Load())
	}
	if act.activations.Load() != 1 {
		t.Fatalf("transport must not be activated again, activations=%d", act.activations.Load())
	}
}

func TestSupervisorDefersToPendingActivation(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleController, act)
	sup := NewSupervisor(m, Inline{}, 10*time.Millisecond)
	t.Cleanup(sup.Stop)

	m.OnDeactivated()
	m.Activate()
	testlog.WaitFor(t, time.Second, "attempt fires", func() bool { return sup.Phase() == PhaseActivating })
	if sup.Attempts() != 0 || act.activations.Load() != 1 {
		t.Fatalf("pending activation must be reused, attempts=%d activations=%d", sup.Attempts(), act.activations.Load())
	}
	m.OnActivationComplete(ActivationResult{Activation: ActivationActivated, PeerInstalled: true})
	if sup.Phase() != PhaseActivated {
		t.Fatalf("expected pending completion to settle the phase, got %s", sup.Phase())
	}
}

func TestManagerConcurrentActivateStartsOnce(t *testing.T) {
	testlog.Start(t)
	act := &fakeActivator{}
	m := NewManager(RoleResponder, act)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Activate()
		}()
	}
	wg.Wait()
	if got := act.activations.Load(); got != 1 {
		t.Fatalf("expected one transport activation, got %d", got)
	}
	if m.Snapshot().Activation != ActivationActivating {
		t.Fatalf("unexpected activation: %s", m.Snapshot().Activation)
	}
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	testlog.Start(t)
	loop := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	var got []int
	finished := make(chan struct{})
	for i := 0; i < 50; i++ {
		loop.Post(func() { got = append(got, i) })
	}
	loop.Post(func() { close(finished) })
	<-finished
	cancel()
	<-done
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken at %d: %v", i, got)
		}
	}
	loop.Post(func() { t.Errorf("post after stop must be dropped") })
}

func TestDeferredSkipsStaleGeneration(t *testing.T) {
	testlog.Start(t)
	d := NewDeferred(Inline{})
	var fired atomic.Int32
	var stale atomic.Int32
	d.Schedule(10*time.Millisecond, func() { stale.Add(1) })
	gen := d.Schedule(20*time.Millisecond, func() { fired.Add(1) })
	testlog.WaitFor(t, time.Second, "deferred fire", func() bool { return fired.Load() == 1 })
	if stale.Load() != 0 {
		t.Fatalf("superseded callback ran")
	}
	if !d.Current(gen) {
		t.Fatalf("latest generation should be current")
	}
	d.Schedule(10*time.Millisecond, func() { fired.Add(1) })
	d.Cancel()
	time.Sleep(30 * time.Millisecond)
	if fired.Load() != 1 {
		t.Fatalf("canceled callback ran")
	}
}
