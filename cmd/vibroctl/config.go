package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/vibrolink/internal/protocol/session"
)

type tunablesFile struct {
	Session sessionTunables `toml:"session"`
}

type sessionTunables struct {
	ReconnectDelay      string  `toml:"reconnect_delay"`
	ReconnectDelayMS    int64   `toml:"reconnect_delay_ms"`
	QueuedGracePeriod   string  `toml:"queued_grace_period"`
	StatusResetDelay    string  `toml:"status_reset_delay"`
	SecondaryPulseDelay string  `toml:"secondary_pulse_delay"`
	SecondaryPulse      bool    `toml:"secondary_pulse"`
	AckTimeout          string  `toml:"ack_timeout"`
	AckTimeoutMS        int64   `toml:"ack_timeout_ms"`
	ConnectTimeout      string  `toml:"connect_timeout"`
	HandshakeTimeout    string  `toml:"handshake_timeout"`
	ReadTimeout         string  `toml:"read_timeout"`
	WriteTimeout        string  `toml:"write_timeout"`
	HeartbeatInterval   string  `toml:"heartbeat_interval"`
	HeartbeatIntervalMS int64   `toml:"heartbeat_interval_ms"`
	BackoffInitial      string  `toml:"backoff_initial"`
	BackoffMax          string  `toml:"backoff_max"`
	BackoffMultiplier   float64 `toml:"backoff_multiplier"`
	BackoffJitter       bool    `toml:"backoff_jitter"`
}

// loadSessionConfig overlays the [session] table of path onto the session
// defaults. Only keys present in the file override. An empty path yields
// the defaults.
func loadSessionConfig(path string) (session.Config, error) {
	cfg := session.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw tunablesFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return session.Config{}, fmt.Errorf("load session tunables: %w", err)
	}
	s := raw.Session

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reconnect_delay", s.ReconnectDelay, &cfg.ReconnectDelay},
		{"queued_grace_period", s.QueuedGracePeriod, &cfg.QueuedGracePeriod},
		{"status_reset_delay", s.StatusResetDelay, &cfg.StatusResetDelay},
		{"secondary_pulse_delay", s.SecondaryPulseDelay, &cfg.SecondaryPulseDelay},
		{"ack_timeout", s.AckTimeout, &cfg.AckTimeout},
		{"connect_timeout", s.ConnectTimeout, &cfg.ConnectTimeout},
		{"handshake_timeout", s.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"read_timeout", s.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", s.WriteTimeout, &cfg.WriteTimeout},
		{"heartbeat_interval", s.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"backoff_initial", s.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"backoff_max", s.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return session.Config{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("session", "reconnect_delay_ms") {
		cfg.ReconnectDelay = time.Duration(s.ReconnectDelayMS) * time.Millisecond
	}
	if meta.IsDefined("session", "ack_timeout_ms") {
		cfg.AckTimeout = time.Duration(s.AckTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("session", "heartbeat_interval_ms") {
		cfg.HeartbeatInterval = time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("session", "secondary_pulse") && !s.SecondaryPulse {
		cfg.SecondaryPulseDelay = -1
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		cfg.Backoff.Multiplier = s.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		cfg.Backoff.Jitter = s.BackoffJitter
	}

	return cfg.WithDefaults(), nil
}
