package session

import (
	"context"
	"sync"
	"time"
)

// Poster runs fn on a single logical thread.
type Poster interface {
	Post(fn func())
}

// Inline runs posted work on the caller's goroutine. Intended for tests
// that drive callbacks from one goroutine.
type Inline struct{}

func (Inline) Post(fn func()) { fn() }

// Loop is the single logical thread that owns UI-facing state on a peer.
// Tasks run in post order; posts after Run returns are dropped.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	select {
	case <-l.done:
	case l.tasks <- fn:
	}
}

// Run drains tasks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// PostAfter posts fn to p after delay. The returned timer may be stopped.
func PostAfter(p Poster, delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() { p.Post(fn) })
}

// Deferred is a generation-keyed one-shot timer. Scheduling again or
// canceling bumps the generation, so a callback whose generation is no
// longer current is skipped.
type Deferred struct {
	poster Poster

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

func NewDeferred(p Poster) *Deferred {
	return &Deferred{poster: p}
}

func (d *Deferred) Schedule(delay time.Duration, fn func()) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, func() {
		d.poster.Post(func() {
			if d.Current(gen) {
				fn()
			}
		})
	})
	return gen
}

func (d *Deferred) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Current reports whether gen is the most recently scheduled generation.
func (d *Deferred) Current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}
