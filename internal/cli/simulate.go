package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kyleseneker/ringtrace/internal/observability"
	"github.com/kyleseneker/ringtrace/internal/probe"
	"github.com/kyleseneker/ringtrace/internal/ring"
	"github.com/kyleseneker/ringtrace/internal/tracer"
)

func (a *app) newSimulateCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "simulate [flags]",
		Short: "Run concurrent in-process producers against a ring and print decoded events",
		Long: `simulate fires the trace_open probe from several goroutines into an
in-process ring and drains it with the consumer loop. It stops once every
producer has finished and the ring has been idle for --idle, or on Ctrl+C.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSimulate(cmd.Context(), quiet)
		},
	}
	fs := cmd.Flags()
	fs.Int("capacity", ring.DefaultCapacity, "Ring capacity in bytes; must be a power of two.")
	fs.Bool("overwrite", false, "Evict the oldest records instead of rejecting new ones.")
	fs.Bool("debug", false, "Panic on reservation misuse.")
	fs.Int("producers", 4, "Number of concurrent producer goroutines.")
	fs.Int("events", 1000, "Events per producer; 0 runs until interrupted.")
	fs.Float64("rate", 0, "Events per second per producer; 0 is unlimited.")
	fs.String("comm", "simulate", "Command name written into every record.")
	fs.Duration("idle", 500*time.Millisecond, "Stop after producers finish and no record arrives for this long.")
	fs.BoolVarP(&quiet, "quiet", "q", false, "Print only the summary.")
	addConsumerFlags(fs)
	return cmd
}

func (a *app) runSimulate(ctx context.Context, quiet bool) error {
	cfg := a.cfg
	metrics := observability.NewMetrics(a.registry)
	tr, err := tracer.OpenWith(tracer.Options{
		Capacity:     cfg.Ring.Capacity,
		Overwrite:    cfg.Ring.Overwrite,
		Debug:        cfg.Ring.Debug,
		RetryBudget:  cfg.Consumer.RetryBudget,
		PollTimeout:  cfg.Consumer.PollTimeout,
		StrictLength: cfg.Consumer.StrictLength,
		FailFast:     cfg.Consumer.FailFast,
		ErrorBuffer:  cfg.Consumer.ErrorBuffer,
		Logger:       a.logger,
		Metrics:      metrics,
	})
	if err != nil {
		return usageErrorf("open ring: %v", err)
	}
	defer tr.Close()
	observability.RegisterAccountant(a.registry, tr.Ring().Accountant())
	observability.RegisterRing(a.registry, tr.Ring())

	p := probe.NewTraceOpen(tr.Ring())
	workload := probe.Workload{
		Producers: cfg.Simulate.Producers,
		Events:    cfg.Simulate.Events,
		Rate:      cfg.Simulate.Rate,
		Comm:      cfg.Simulate.Comm,
		BasePID:   1000,
	}
	a.logger.Info("simulating",
		zap.Int("capacity", tr.Ring().Capacity()),
		zap.Bool("overwrite", cfg.Ring.Overwrite),
		zap.Int("producers", workload.Producers),
		zap.Int("events", workload.Events),
	)

	var (
		result   probe.Result
		received uint64
	)
	producersDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(producersDone)
		res, err := probe.Drive(gctx, p, workload)
		result = res
		return err
	})
	g.Go(func() error {
		for {
			// Checked before draining so the final pass sees every commit.
			finished := isClosed(producersDone)
			for ev, err := range tr.PollBlocking(gctx, cfg.Simulate.Idle) {
				if err != nil {
					return err
				}
				received++
				if !quiet {
					fmt.Fprintln(a.stdout, ev)
				}
			}
			if finished || gctx.Err() != nil {
				return nil
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := tr.Stats()
	fmt.Fprintf(a.stdout, "fired=%d rejected=%d received=%d overwritten=%d gaps=%d corrupt=%d loss=%d\n",
		result.Fired, stats.Rejected, received, stats.Overwritten, stats.Gaps, stats.Corrupt, stats.Loss())
	a.logger.Info("simulation finished",
		zap.Uint64("fired", result.Fired),
		zap.Uint64("received", received),
		zap.Uint64("loss", stats.Loss()),
	)
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
