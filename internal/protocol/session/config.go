package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session timers and live-link reliability defaults.
type Config struct {
	// ReconnectDelay is the fixed wait before the supervisor re-activates.
	ReconnectDelay time.Duration
	// QueuedGracePeriod is how long the optimistic queued status is shown.
	QueuedGracePeriod time.Duration
	// StatusResetDelay reverts responder status to its idle baseline.
	StatusResetDelay time.Duration
	// SecondaryPulseDelay spaces the follow-up pulse; negative disables it.
	SecondaryPulseDelay time.Duration

	AckTimeout        time.Duration
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:      2 * time.Second,
		QueuedGracePeriod:   3 * time.Second,
		StatusResetDelay:    2 * time.Second,
		SecondaryPulseDelay: 250 * time.Millisecond,
		AckTimeout:          10 * time.Second,
		ConnectTimeout:      5 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		ReadTimeout:         15 * time.Second,
		WriteTimeout:        5 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.QueuedGracePeriod <= 0 {
		c.QueuedGracePeriod = d.QueuedGracePeriod
	}
	if c.StatusResetDelay <= 0 {
		c.StatusResetDelay = d.StatusResetDelay
	}
	if c.SecondaryPulseDelay == 0 {
		c.SecondaryPulseDelay = d.SecondaryPulseDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
