package protocol

import (
	"fmt"
	"strings"
	"time"
)

// ActionVibrate is the only action a responder acts on.
const ActionVibrate = "vibrate"

// AckStatus is the responder verdict carried by a live ack.
type AckStatus string

const (
	StatusSuccess       AckStatus = "success"
	StatusUnknownAction AckStatus = "unknown_action"
)

// Delivery names the channel a command travelled on.
type Delivery string

const (
	DeliveryLive   Delivery = "live"
	DeliveryQueued Delivery = "queued"

	// AckDelivery is the fixed delivery tag on every ack.
	AckDelivery = "immediate"
)

// Command is the controller->responder message.
type Command struct {
	ID       string
	Action   string
	IssuedAt time.Time
	Delivery Delivery
}

// NewVibrate builds a vibrate command stamped at now.
func NewVibrate(id string, now time.Time) Command {
	return Command{
		ID:       id,
		Action:   ActionVibrate,
		IssuedAt: now,
	}
}

// WithDelivery returns a copy of c tagged with the channel used.
func (c Command) WithDelivery(d Delivery) Command {
	c.Delivery = d
	return c
}

// Recognized reports whether the responder should act on c.
func (c Command) Recognized() bool {
	return c.Action == ActionVibrate
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrMissingCommandID
	}
	return nil
}

// Ack is the responder->controller reply, only produced on the live channel.
type Ack struct {
	CommandID      string
	Status         AckStatus
	RespondedAt    time.Time
	VibrationCount int
	BackgroundLive bool
}

func (a Ack) Validate() error {
	switch a.Status {
	case StatusSuccess, StatusUnknownAction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAckStatus, a.Status)
	}
	if a.VibrationCount < 0 {
		return ErrNegativeCount
	}
	return nil
}
