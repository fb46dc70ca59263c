package responder

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/tools"
	"github.com/rs/zerolog"
)

var ErrEffectCommandRequired = errors.New("responder: effect command required")

const defaultEffectTimeout = 2 * time.Second

// Effect is the local physical action. Perform is fire-and-forget and
// cannot fail.
type Effect interface {
	Perform()
}

// EffectFunc adapts a function to Effect.
type EffectFunc func()

func (f EffectFunc) Perform() { f() }

// LogEffect stands in for a haptic engine by logging each pulse.
type LogEffect struct {
	logger zerolog.Logger
	pulses atomic.Int64
}

func NewLogEffect() *LogEffect {
	return &LogEffect{logger: logging.WithComponent("effect")}
}

func (e *LogEffect) Perform() {
	n := e.pulses.Add(1)
	e.logger.Info().Int64("pulse", n).Msg("haptic pulse")
}

// Pulses counts every Perform call, secondary pulses included.
func (e *LogEffect) Pulses() int64 {
	return e.pulses.Load()
}

// CommandEffect runs an external program for every pulse. Perform blocks
// the caller for at most the configured timeout; failures are logged and
// counted.
type CommandEffect struct {
	runner   tools.CommandRunner
	argv     []string
	timeout  time.Duration
	logger   zerolog.Logger
	failures atomic.Int64
}

func NewCommandEffect(runner tools.CommandRunner, argv []string, timeout time.Duration) (*CommandEffect, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, ErrEffectCommandRequired
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if timeout <= 0 {
		timeout = defaultEffectTimeout
	}
	return &CommandEffect{
		runner:  runner,
		argv:    append([]string(nil), argv...),
		timeout: timeout,
		logger:  logging.WithComponent("effect").With().Str("command", argv[0]).Logger(),
	}, nil
}

func (e *CommandEffect) Perform() {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	res, err := e.runner.Run(ctx, e.argv[0], e.argv[1:]...)
	if err != nil {
		e.failures.Add(1)
		e.logger.Warn().
			Err(err).
			Int32("exit_code", res.ExitCode).
			Str("stderr", strings.TrimSpace(string(res.Stderr))).
			Msg("effect command failed")
		return
	}
	e.logger.Debug().Msg("effect command ran")
}

func (e *CommandEffect) Failures() int64 {
	return e.failures.Load()
}
