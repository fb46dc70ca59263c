package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "peer.hello"
	controlTypeHelloAck = "peer.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	RoleController = "controller"
	RoleResponder  = "responder"

	// HelloCodeWrongRole rejects a dialer that is not a controller.
	HelloCodeWrongRole uint32 = 1
	// HelloCodeUnauthorized rejects a bad pairing token.
	HelloCodeUnauthorized uint32 = 2
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrInvalidHelloAck        = errors.New("session: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello opens a live link. The controller always dials.
type Hello struct {
	Role         string `json:"role"`
	PeerID       string `json:"peer_id"`
	AppVersion   string `json:"app_version,omitempty"`
	PairingToken string `json:"pairing_token,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHello)
	}
	switch h.Role {
	case RoleController, RoleResponder:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidHello, h.Role)
	}
	return nil
}

// HelloAck answers a Hello. A rejected ack still proves the peer process
// exists; an accepted one also proves the peer app is the expected role.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	PeerID      string `json:"peer_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.PeerID) == "" {
		return fmt.Errorf("%w: missing peer_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHello, Hello: &h})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: controlTypeHelloAck, Ack: &ack})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 16*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
