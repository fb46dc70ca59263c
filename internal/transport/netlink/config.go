// Package netlink is the TCP transport. The responder listens; the
// controller dials, says hello, heartbeats, and correlates acks by frame
// message id. Both sides share a queue store for the queued channel.
package netlink

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/vibrolink/internal/protocol/frame"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/queue"
)

var (
	ErrAddressRequired   = errors.New("netlink: address required")
	ErrPeerIDRequired    = errors.New("netlink: peer_id required")
	ErrHandshakeRejected = errors.New("netlink: hello rejected")
	errPeerSaidBye       = errors.New("netlink: peer closed session")
)

type Config struct {
	// Addr is the dial target for a client and the bind address for a server.
	Addr       string
	PeerID     string
	AppVersion string
	Session    session.Config
	Limits     frame.Limits
	Pump       queue.PumpConfig
	EventDepth int
	TLS        TLSConfig
	// PairingToken is presented by the client and required by the server
	// when set. A server with PairingTokenHash checks against the hash
	// instead.
	PairingToken     string
	PairingTokenHash string
}

func DefaultConfig() Config {
	return Config{
		Session:    session.DefaultConfig(),
		Limits:     frame.DefaultLimits(),
		Pump:       queue.DefaultPumpConfig(),
		EventDepth: 128,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrAddressRequired
	}
	if strings.TrimSpace(c.PeerID) == "" {
		return ErrPeerIDRequired
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Session = c.Session.WithDefaults()
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.EventDepth <= 0 {
		c.EventDepth = d.EventDepth
	}
	return c
}

// link is one handshaken connection. Writes are serialized so frames
// never interleave.
type link struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config

	wmu    sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newLink(conn net.Conn, reader *bufio.Reader, cfg Config) *link {
	return &link{conn: conn, reader: reader, cfg: cfg, closed: make(chan struct{})}
}

func (l *link) write(fr frame.Frame) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.Session.WriteTimeout))
	return frame.WriteFrame(l.conn, fr, l.cfg.Limits)
}

func (l *link) read() (frame.Frame, error) {
	_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.Session.ReadTimeout))
	return frame.ReadFrame(l.reader, l.cfg.Limits)
}

func (l *link) close() {
	l.once.Do(func() {
		_ = l.conn.Close()
		close(l.closed)
	})
}

func (l *link) remote() string {
	return l.conn.RemoteAddr().String()
}
