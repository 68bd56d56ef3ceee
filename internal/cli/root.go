// Package cli implements the ringtrace command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kyleseneker/ringtrace/internal/config"
	"github.com/kyleseneker/ringtrace/internal/observability"
)

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/kyleseneker/ringtrace/internal/cli.Version=v0.1.0"
var Version = "(dev)"

// flagKeys maps config keys to the flag that overrides them. Each command
// registers the subset it uses.
var flagKeys = map[string]string{
	"log.level":    "log-level",
	"log.format":   "log-format",
	"metrics.addr": "metrics-addr",

	"ring.capacity":  "capacity",
	"ring.overwrite": "overwrite",
	"ring.debug":     "debug",

	"consumer.retryBudget":  "retry-budget",
	"consumer.pollTimeout":  "poll-timeout",
	"consumer.strictLength": "strict",
	"consumer.failFast":     "fail-fast",

	"simulate.producers": "producers",
	"simulate.events":    "events",
	"simulate.rate":      "rate",
	"simulate.comm":      "comm",
	"simulate.idle":      "idle",

	"attach.object":    "object",
	"attach.symbol":    "symbol",
	"attach.program":   "program",
	"attach.eventsMap": "events-map",
}

// usageError marks errors caused by bad invocation; they exit with 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// app carries state shared by every command of one invocation.
type app struct {
	stdout, stderr io.Writer

	v          *viper.Viper
	configFile string

	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
}

// Run is the top-level entrypoint.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	a := &app{stdout: stdout, stderr: stderr, v: config.New()}
	root := a.newRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintln(stderr, "Run 'ringtrace --help' for usage.")
		return 2
	}
	return 1
}

func (a *app) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ringtrace",
		Short: "Kernel event tracing over a lock-free ring buffer",
		Long: `ringtrace drains a BPF-style ring buffer, decodes fixed-layout event
records and reports back-pressure and loss.

Settings come from defaults, an optional YAML file (--config),
RINGTRACE_* environment variables and flags, in increasing precedence.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unknown command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return usageErrorf("missing command")
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetVersionTemplate("ringtrace {{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Path to a YAML config file.")
	pf.String("log-level", "info", "Log level: debug, info, warn, error.")
	pf.String("log-format", "console", "Log encoding: console or json.")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090.")

	root.AddCommand(
		a.newSimulateCmd(),
		a.newAttachCmd(),
		a.newDoctorCmd(),
		a.newVersionCmd(),
	)
	return root
}

// setup loads configuration, builds the logger and starts the metrics
// endpoint when one is configured.
func (a *app) setup(cmd *cobra.Command) error {
	if err := config.BindFlags(a.v, cmd.Flags(), flagKeys); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return &usageError{err: err}
	}
	a.cfg = cfg

	logger, err := observability.NewLogger(a.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return &usageError{err: err}
	}
	a.logger = logger

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if addr := cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := observability.Serve(cmd.Context(), addr, a.registry, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  noArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			fmt.Fprintf(a.stdout, "ringtrace %s\n", Version)
			return nil
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}

// addConsumerFlags registers the consumer tuning flags shared by simulate
// and attach.
func addConsumerFlags(fs *pflag.FlagSet) {
	fs.Int("retry-budget", 8, "Re-polls of a truncated record before it is skipped.")
	fs.Duration("poll-timeout", 100*time.Millisecond, "Upper bound of each wait for new data.")
	fs.Bool("strict", true, "Reject records whose length is not exactly the record size.")
	fs.Bool("fail-fast", false, "Stop on the first consumer error.")
}
