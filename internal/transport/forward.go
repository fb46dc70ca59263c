package transport

import (
	"context"

	"github.com/danmuck/vibrolink/internal/protocol/session"
)

// Forward moves every event from t onto p until ctx ends, so handlers run
// on the peer's single logical loop.
func Forward(ctx context.Context, t Transport, p session.Poster, handle func(Event)) error {
	events := t.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			p.Post(func() { handle(ev) })
		}
	}
}

// ApplySession feeds lifecycle events into m. It reports false for events
// the caller must handle itself (message delivery).
func ApplySession(m *session.Manager, ev Event) bool {
	switch ev.Kind {
	case EventActivationComplete:
		m.OnActivationComplete(ev.ActivationResult())
	case EventReachabilityChanged:
		if m.Snapshot().PeerInstalled != ev.PeerInstalled {
			m.OnPeerInstalledChanged(ev.PeerInstalled)
		}
		m.OnReachabilityChanged(ev.Reachable)
	case EventDeactivated:
		m.OnDeactivated()
	default:
		return false
	}
	return true
}
