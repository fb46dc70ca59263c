// Package transport defines the paired-link abstraction both peers drive.
//
// A Transport reports everything it observes as Events on one channel. The
// owning peer forwards them onto its single logical loop; nothing in this
// package touches session state directly.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
)

var (
	ErrNotReachable = errors.New("transport: peer not reachable")
	ErrNotActivated = errors.New("transport: session not activated")
	ErrAckTimeout   = errors.New("transport: ack timeout")
	ErrClosed       = errors.New("transport: closed")
)

type EventKind string

const (
	EventActivationComplete  EventKind = "activation_complete"
	EventReachabilityChanged EventKind = "reachability_changed"
	EventMessageReceived     EventKind = "message_received"
	EventDeactivated         EventKind = "deactivated"
)

// Replier answers a live command. It is nil for queued deliveries, which
// can never be acknowledged.
type Replier func(protocol.Ack) error

// Inbound is one command delivered to the receiving peer.
type Inbound struct {
	Command protocol.Command
	Channel protocol.Delivery
	Reply   Replier
}

// Event is one transport observation.
type Event struct {
	Kind          EventKind
	Activation    session.Activation
	Err           error
	Reachable     bool
	PeerInstalled bool
	Message       *Inbound
}

// Transport is one endpoint of the paired link.
type Transport interface {
	session.Activator
	// SendLive sends cmd on the live channel and waits for its ack.
	SendLive(ctx context.Context, cmd protocol.Command) (protocol.Ack, error)
	// Enqueue hands cmd to the queued channel. Acceptance is the only
	// confirmation the caller will ever get.
	Enqueue(ctx context.Context, cmd protocol.Command) error
	Events() <-chan Event
	Close() error
}

// ActivationResult converts an activation event for the session manager.
func (e Event) ActivationResult() session.ActivationResult {
	return session.ActivationResult{
		Activation:    e.Activation,
		PeerInstalled: e.PeerInstalled,
		Err:           e.Err,
	}
}
