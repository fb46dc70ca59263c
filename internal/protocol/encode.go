package protocol

import (
	"encoding/json"
	"math"
	"time"
)

// commandWire is the dictionary shape shared by both channels.
type commandWire struct {
	Action    *string  `json:"action,omitempty"`
	Timestamp float64  `json:"timestamp"`
	CommandID string   `json:"commandId,omitempty"`
	Delivery  Delivery `json:"delivery,omitempty"`
}

type ackWire struct {
	Status         AckStatus `json:"status"`
	Timestamp      float64   `json:"timestamp"`
	VibrationCount int       `json:"vibrationCount"`
	Delivery       string    `json:"delivery"`
	CommandID      string    `json:"commandId,omitempty"`
	BackgroundLive bool      `json:"backgroundLive"`
}

func EncodeCommand(c Command) ([]byte, error) {
	w := commandWire{
		Timestamp: unixSeconds(c.IssuedAt),
		CommandID: c.ID,
		Delivery:  c.Delivery,
	}
	if c.Action != "" {
		action := c.Action
		w.Action = &action
	}
	return json.Marshal(w)
}

func EncodeAck(a Ack) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ackWire{
		Status:         a.Status,
		Timestamp:      unixSeconds(a.RespondedAt),
		VibrationCount: a.VibrationCount,
		Delivery:       AckDelivery,
		CommandID:      a.CommandID,
		BackgroundLive: a.BackgroundLive,
	})
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(v float64) time.Time {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
