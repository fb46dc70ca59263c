package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/vibrolink/internal/config"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/queue"
	"github.com/danmuck/vibrolink/internal/responder"
	"github.com/danmuck/vibrolink/internal/tools"
	"github.com/danmuck/vibrolink/internal/transport"
	"github.com/danmuck/vibrolink/internal/transport/netlink"
)

const appVersion = "0.3.0"

// errUnsupported marks a node whose transport could not be built.
var errUnsupported = errors.New(session.StatusUnsupported)

type builtTransport struct {
	transport transport.Transport
	store     queue.Store
}

func buildControllerTransport(cfg config.ControllerConfig, sess session.Config) (builtTransport, error) {
	if err := requireTCP(cfg.Transport); err != nil {
		return builtTransport{}, err
	}
	store, err := queue.NewStore(cfg.Queue)
	if err != nil {
		return builtTransport{}, fmt.Errorf("%w: %w", errUnsupported, err)
	}
	client, err := netlink.NewClient(linkConfig(cfg.Name, cfg.LinkAddr, cfg.PairingToken, cfg.TLS, sess), store)
	if err != nil {
		_ = store.Close()
		return builtTransport{}, fmt.Errorf("%w: %w", errUnsupported, err)
	}
	return builtTransport{transport: client, store: store}, nil
}

func buildResponderTransport(cfg config.ResponderConfig, sess session.Config) (builtTransport, error) {
	if err := requireTCP(cfg.Transport); err != nil {
		return builtTransport{}, err
	}
	store, err := queue.NewStore(cfg.Queue)
	if err != nil {
		return builtTransport{}, fmt.Errorf("%w: %w", errUnsupported, err)
	}
	lc := linkConfig(cfg.Name, cfg.LinkAddr, cfg.PairingToken, cfg.TLS, sess)
	lc.PairingTokenHash = cfg.PairingTokenHash
	server, err := netlink.NewServer(lc, store)
	if err != nil {
		_ = store.Close()
		return builtTransport{}, fmt.Errorf("%w: %w", errUnsupported, err)
	}
	return builtTransport{transport: server, store: store}, nil
}

func linkConfig(name, addr, token string, tlsCfg netlink.TLSConfig, sess session.Config) netlink.Config {
	cfg := netlink.DefaultConfig()
	cfg.Addr = addr
	cfg.PeerID = name
	cfg.PairingToken = token
	cfg.TLS = tlsCfg
	cfg.AppVersion = appVersion
	cfg.Session = sess
	cfg.Pump.Backoff = sess.Backoff
	return cfg
}

func requireTCP(kind string) error {
	if strings.EqualFold(strings.TrimSpace(kind), config.TransportTCP) {
		return nil
	}
	return fmt.Errorf("%w: %q only runs in-process (use send --loopback)", errUnsupported, kind)
}

// buildEffect runs the configured program per pulse, or logs pulses when
// none is set.
func buildEffect(cfg config.EffectConfig) (responder.Effect, error) {
	if len(cfg.Command) == 0 {
		return responder.NewLogEffect(), nil
	}
	return responder.NewCommandEffect(tools.ExecRunner{}, cfg.Command, cfg.Timeout())
}
