package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/vibrolink/internal/queue"
	"github.com/danmuck/vibrolink/internal/responder"
	"github.com/danmuck/vibrolink/internal/transport/netlink"
	"github.com/pelletier/go-toml/v2"
)

// Link transports a node can run over.
const (
	TransportTCP      = "tcp"
	TransportLoopback = "loopback"
)

type ControllerConfig struct {
	Name         string            `toml:"name"`
	HTTPAddr     string            `toml:"http_addr"`
	Transport    string            `toml:"transport"`
	LinkAddr     string            `toml:"link_addr"`
	PairingToken string            `toml:"pairing_token"`
	CorsOrigins  []string          `toml:"cors_origins"`
	TLS          netlink.TLSConfig `toml:"tls"`
	Queue        queue.Config      `toml:"queue"`
}

type ResponderConfig struct {
	Name             string            `toml:"name"`
	HTTPAddr         string            `toml:"http_addr"`
	Transport        string            `toml:"transport"`
	LinkAddr         string            `toml:"link_addr"`
	PairingToken     string            `toml:"pairing_token"`
	PairingTokenHash string            `toml:"pairing_token_hash"`
	CorsOrigins      []string          `toml:"cors_origins"`
	TLS              netlink.TLSConfig `toml:"tls"`
	Queue            queue.Config      `toml:"queue"`
	Liveness         LivenessConfig    `toml:"liveness"`
	Effect           EffectConfig      `toml:"effect"`
}

// EffectConfig selects the responder's local effect. An empty Command
// logs pulses instead of running a program.
type EffectConfig struct {
	Command        []string `toml:"command"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

func (c EffectConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type LivenessConfig struct {
	Enabled      bool   `toml:"enabled"`
	Reason       string `toml:"reason"`
	LeaseSeconds int    `toml:"lease_seconds"`
}

// Responder converts the file form into the responder's liveness config.
func (c LivenessConfig) Responder() responder.LivenessConfig {
	return responder.LivenessConfig{
		Enabled: c.Enabled,
		Reason:  strings.TrimSpace(c.Reason),
		Lease:   time.Duration(c.LeaseSeconds) * time.Second,
	}
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Name:      "controller",
		HTTPAddr:  ":9300",
		Transport: TransportTCP,
		LinkAddr:  "127.0.0.1:9400",
		Queue:     queue.DefaultConfig(),
	}
}

func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		Name:      "responder",
		HTTPAddr:  ":9310",
		Transport: TransportTCP,
		LinkAddr:  ":9400",
		Queue:     queue.DefaultConfig(),
		Liveness: LivenessConfig{
			Enabled: true,
			Reason:  "receive vibrate commands in the background",
		},
	}
}

func LoadControllerConfig(path string) (ControllerConfig, error) {
	cfg := DefaultControllerConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ControllerConfig{}, err
	}
	if err := ValidateControllerConfig(cfg); err != nil {
		return ControllerConfig{}, err
	}
	return cfg, nil
}

func LoadResponderConfig(path string) (ResponderConfig, error) {
	cfg := DefaultResponderConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ResponderConfig{}, err
	}
	if err := ValidateResponderConfig(cfg); err != nil {
		return ResponderConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateControllerConfig(cfg ControllerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("controller config missing name")
	}
	if err := validateLink(cfg.Transport, cfg.LinkAddr); err != nil {
		return fmt.Errorf("controller config: %w", err)
	}
	if err := cfg.Queue.Validate(); err != nil {
		return fmt.Errorf("controller config queue invalid: %w", err)
	}
	return nil
}

func ValidateResponderConfig(cfg ResponderConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("responder config missing name")
	}
	if err := validateLink(cfg.Transport, cfg.LinkAddr); err != nil {
		return fmt.Errorf("responder config: %w", err)
	}
	if err := cfg.Queue.Validate(); err != nil {
		return fmt.Errorf("responder config queue invalid: %w", err)
	}
	if cfg.Liveness.LeaseSeconds < 0 {
		return fmt.Errorf("responder config liveness lease_seconds must not be negative")
	}
	if len(cfg.Effect.Command) > 0 && strings.TrimSpace(cfg.Effect.Command[0]) == "" {
		return fmt.Errorf("responder config effect command must name a program")
	}
	if cfg.Effect.TimeoutSeconds < 0 {
		return fmt.Errorf("responder config effect timeout_seconds must not be negative")
	}
	return nil
}

func validateLink(transport, addr string) error {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case TransportTCP:
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("link_addr is required for tcp transport")
		}
		return nil
	case TransportLoopback:
		return nil
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}
