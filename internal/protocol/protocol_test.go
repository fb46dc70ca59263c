package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/vibrolink/internal/testutil/testlog"
)

func TestCommandEncodeDecode(t *testing.T) {
	testlog.Start(t)
	issued := time.Unix(1750600000, 250_000_000)
	raw, err := EncodeCommand(NewVibrate("cmd.1", issued).WithDelivery(DeliveryQueued))
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	got, err := DecodeCommand(raw)
	if err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if got.ID != "cmd.1" || got.Action != ActionVibrate || got.Delivery != DeliveryQueued {
		t.Fatalf("unexpected command: %+v", got)
	}
	if d := got.IssuedAt.Sub(issued); d > time.Microsecond || d < -time.Microsecond {
		t.Fatalf("timestamp drift too large: %v", d)
	}
	if !got.Recognized() {
		t.Fatalf("vibrate command must be recognized")
	}
}

func TestCommandWireShape(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeCommand(NewVibrate("cmd.2", time.Unix(10, 0)))
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["action"] != "vibrate" {
		t.Fatalf("unexpected action field: %v", fields["action"])
	}
	if ts, ok := fields["timestamp"].(float64); !ok || ts != 10 {
		t.Fatalf("timestamp must be unix seconds float, got %v", fields["timestamp"])
	}
}

func TestDecodeCommandMissingOrForeignAction(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		`{"timestamp": 12.5}`,
		`{"action": 42, "timestamp": 12.5}`,
		`{"action": "dance"}`,
		`{}`,
	}
	for _, raw := range cases {
		cmd, err := DecodeCommand([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if cmd.Recognized() {
			t.Fatalf("command %s must not be recognized", raw)
		}
	}
}

func TestDecodeCommandMalformed(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeCommand([]byte(`{"action":`))
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestAckEncodeDecode(t *testing.T) {
	testlog.Start(t)
	ack := Ack{
		CommandID:      "cmd.3",
		Status:         StatusSuccess,
		RespondedAt:    time.Unix(1750600001, 0),
		VibrationCount: 7,
		BackgroundLive: true,
	}
	raw, err := EncodeAck(ack)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["delivery"] != AckDelivery {
		t.Fatalf("ack delivery must be %q, got %v", AckDelivery, fields["delivery"])
	}
	got, err := DecodeAck(raw)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if got.Status != StatusSuccess || got.VibrationCount != 7 || !got.BackgroundLive || got.CommandID != "cmd.3" {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestAckValidate(t *testing.T) {
	testlog.Start(t)
	if err := (Ack{Status: "maybe"}).Validate(); !errors.Is(err, ErrInvalidAckStatus) {
		t.Fatalf("expected ErrInvalidAckStatus, got %v", err)
	}
	if err := (Ack{Status: StatusSuccess, VibrationCount: -1}).Validate(); !errors.Is(err, ErrNegativeCount) {
		t.Fatalf("expected ErrNegativeCount, got %v", err)
	}
	if _, err := DecodeAck([]byte(`{"status":"weird","timestamp":1,"vibrationCount":0}`)); !errors.Is(err, ErrInvalidAckStatus) {
		t.Fatalf("expected decode to reject status, got %v", err)
	}
}

func FuzzDecodeCommand(f *testing.F) {
	f.Add([]byte(`{"action":"vibrate","timestamp":1750600000.5}`))
	f.Add([]byte(`{"action":null}`))
	f.Add([]byte(`[]`))
	f.Fuzz(func(t *testing.T, raw []byte) {
		cmd, err := DecodeCommand(raw)
		if err != nil {
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("unexpected error class: %v", err)
			}
			return
		}
		if cmd.Recognized() && cmd.Action != ActionVibrate {
			t.Fatalf("recognized non-vibrate action %q", cmd.Action)
		}
	})
}
