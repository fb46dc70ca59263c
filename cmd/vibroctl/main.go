package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/vibrolink/internal/auth"
	"github.com/danmuck/vibrolink/internal/config"
	"github.com/danmuck/vibrolink/internal/controller"
	"github.com/danmuck/vibrolink/internal/logging"
	"github.com/danmuck/vibrolink/internal/observability"
	"github.com/danmuck/vibrolink/internal/protocol"
	"github.com/danmuck/vibrolink/internal/protocol/session"
	"github.com/danmuck/vibrolink/internal/queue"
	"github.com/danmuck/vibrolink/internal/responder"
	"github.com/danmuck/vibrolink/internal/transport/memlink"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath   string
	logLevel     string
	sendLoopback bool
	sendCount    int
	sendAction   string
	sendWait     time.Duration
	initForce    bool
)

var rootCmd = &cobra.Command{
	Use:           "vibroctl",
	Short:         "Paired controller/responder for remote vibrate commands",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		observability.InitLogger("vibroctl")
		if strings.TrimSpace(logLevel) != "" && !logging.SetLevel(logLevel) {
			fmt.Fprintf(cmd.ErrOrStderr(), "vibroctl: ignoring unknown log level %q\n", logLevel)
		}
	},
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller node (dials the responder)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.DefaultControllerConfig()
		if configPath != "" {
			loaded, err := config.LoadControllerConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		sess, err := loadSessionConfig(configPath)
		if err != nil {
			return err
		}
		built, err := buildControllerTransport(cfg, sess)
		if err != nil {
			return err
		}
		defer built.store.Close()

		c, err := controller.New(controller.Config{
			Name:        cfg.Name,
			HTTPAddr:    cfg.HTTPAddr,
			CORSOrigins: cfg.CorsOrigins,
			Session:     sess,
		}, built.transport)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return c.Run(ctx)
	},
}

var responderCmd = &cobra.Command{
	Use:   "responder",
	Short: "Run the responder node (listens for the controller)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.DefaultResponderConfig()
		if configPath != "" {
			loaded, err := config.LoadResponderConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		sess, err := loadSessionConfig(configPath)
		if err != nil {
			return err
		}
		effect, err := buildEffect(cfg.Effect)
		if err != nil {
			return err
		}
		built, err := buildResponderTransport(cfg, sess)
		if err != nil {
			return err
		}
		defer built.store.Close()

		r, err := responder.New(responder.Config{
			Name:        cfg.Name,
			HTTPAddr:    cfg.HTTPAddr,
			CORSOrigins: cfg.CorsOrigins,
			Session:     sess,
			Liveness:    cfg.Liveness.Responder(),
		}, built.transport, effect, nil)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return r.Run(ctx)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send vibrate commands and report how each was delivered",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if sendCount <= 0 {
			return fmt.Errorf("--count must be positive")
		}
		sess, err := loadSessionConfig(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		if sendLoopback {
			return sendLoopbackCommands(ctx, cmd, sess)
		}
		return sendRemoteCommands(ctx, cmd, sess)
	},
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <secret>",
	Short: "Print a bcrypt hash for a responder's pairing_token_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashToken(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:       "init <controller|responder> <path>",
	Short:     "Write a starter node config",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"controller", "responder"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(args[1], args[0], initForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Node config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	sendCmd.Flags().BoolVar(&sendLoopback, "loopback", false, "Run an in-process responder over the loopback transport")
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "Number of commands to send")
	sendCmd.Flags().StringVar(&sendAction, "action", protocol.ActionVibrate, "Command action")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the session and for results")

	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(responderCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(hashTokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vibroctl: %v\n", err)
		if errors.Is(err, errUnsupported) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// sendLoopbackCommands pairs a controller and a responder in-process and
// sends over the loopback link.
func sendLoopbackCommands(ctx context.Context, cmd *cobra.Command, sess session.Config) error {
	pair := memlink.NewPair(queue.NewMemory(), memlink.Options{AckTimeout: sess.AckTimeout})
	defer pair.Close()

	ctrl, err := controller.New(controller.Config{Name: "loopback-controller", Session: sess}, pair.Controller())
	if err != nil {
		return err
	}
	resp, err := responder.New(responder.Config{Name: "loopback-responder", Session: sess}, pair.Responder(), nil, nil)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return resp.Run(gctx) })
	g.Go(func() error { return ctrl.Run(gctx) })

	sendErr := sendAndReport(gctx, cmd, ctrl)
	if sendErr == nil {
		waitFor(gctx, sendWait, func() bool { return resp.Status().VibrationCount >= expectedCount() })
		st := resp.Status()
		fmt.Fprintf(cmd.OutOrStdout(), "responder: %s (vibrations=%d)\n", st.Text, st.VibrationCount)
	}
	cancel()
	return errors.Join(sendErr, g.Wait())
}

// sendRemoteCommands runs a headless controller against the configured
// responder.
func sendRemoteCommands(ctx context.Context, cmd *cobra.Command, sess session.Config) error {
	cfg := config.DefaultControllerConfig()
	if configPath != "" {
		loaded, err := config.LoadControllerConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.HTTPAddr = ""
	built, err := buildControllerTransport(cfg, sess)
	if err != nil {
		return err
	}
	defer built.store.Close()

	ctrl, err := controller.New(controller.Config{Name: cfg.Name, Session: sess}, built.transport)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ctrl.Run(gctx) })

	sendErr := sendAndReport(gctx, cmd, ctrl)
	cancel()
	return errors.Join(sendErr, g.Wait())
}

func sendAndReport(ctx context.Context, cmd *cobra.Command, ctrl *controller.Controller) error {
	out := cmd.OutOrStdout()
	results := make(chan controller.Attempt, sendCount)
	ctrl.OnResult(func(a controller.Attempt) { results <- a })

	// Prefer the live channel: give the link a moment to come up.
	waitFor(ctx, sendWait, func() bool { return ctrl.Status().Session.Ready() })

	logger := logging.WithComponent("send")
	var failed int
	for i := 0; i < sendCount; i++ {
		pending := ctrl.SendAction(sendAction)
		if pending.Outcome != controller.OutcomePending {
			report(out, logger, pending)
			failed++
			continue
		}
		a, err := awaitResult(ctx, results, pending.CommandID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			fmt.Fprintf(out, "%s %s %v\n", pending.CommandID, pending.Channel, err)
			continue
		}
		report(out, logger, a)
		if a.Outcome == controller.OutcomeRejected {
			failed++
		}
	}
	fmt.Fprintf(out, "controller: %s\n", ctrl.Status().Text)
	if failed > 0 {
		return fmt.Errorf("%d of %d commands not delivered", failed, sendCount)
	}
	return nil
}

func awaitResult(ctx context.Context, results <-chan controller.Attempt, id string) (controller.Attempt, error) {
	timeout := time.NewTimer(sendWait)
	defer timeout.Stop()
	for {
		select {
		case a := <-results:
			if a.CommandID == id {
				return a, nil
			}
		case <-timeout.C:
			return controller.Attempt{}, fmt.Errorf("timed out after %v", sendWait)
		case <-ctx.Done():
			return controller.Attempt{}, ctx.Err()
		}
	}
}

func report(out io.Writer, logger zerolog.Logger, a controller.Attempt) {
	line := fmt.Sprintf("%s %s %s", a.CommandID, a.Channel, a.Outcome)
	if a.Ack != nil {
		line += fmt.Sprintf(" status=%s count=%d", a.Ack.Status, a.Ack.VibrationCount)
	}
	if a.Err != nil {
		line += fmt.Sprintf(" error=%q", a.Err.Error())
		logger.Warn().Err(a.Err).Str("command_id", a.CommandID).Msg("command not delivered")
	}
	fmt.Fprintln(out, line)
}

func expectedCount() int {
	if sendAction != protocol.ActionVibrate {
		return 0
	}
	return sendCount
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
