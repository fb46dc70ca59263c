package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeCommand parses a command dictionary. A missing or non-string action
// is not an error; it decodes to an empty action the responder treats as
// unknown.
func DecodeCommand(raw []byte) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var cmd Command
	if v, ok := fields["action"]; ok {
		var action string
		if err := json.Unmarshal(v, &action); err == nil {
			cmd.Action = action
		}
	}
	if v, ok := fields["timestamp"]; ok {
		var ts float64
		if err := json.Unmarshal(v, &ts); err == nil {
			cmd.IssuedAt = fromUnixSeconds(ts)
		}
	}
	if v, ok := fields["commandId"]; ok {
		_ = json.Unmarshal(v, &cmd.ID)
	}
	if v, ok := fields["delivery"]; ok {
		var d string
		if err := json.Unmarshal(v, &d); err == nil {
			cmd.Delivery = Delivery(d)
		}
	}
	return cmd, nil
}

func DecodeAck(raw []byte) (Ack, error) {
	var w ackWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	ack := Ack{
		CommandID:      w.CommandID,
		Status:         w.Status,
		RespondedAt:    fromUnixSeconds(w.Timestamp),
		VibrationCount: w.VibrationCount,
		BackgroundLive: w.BackgroundLive,
	}
	if err := ack.Validate(); err != nil {
		return Ack{}, err
	}
	return ack, nil
}
