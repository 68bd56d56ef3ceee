package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kyleseneker/ringtrace/internal/consumer"
	"github.com/kyleseneker/ringtrace/internal/diag"
	"github.com/kyleseneker/ringtrace/internal/kernel"
	"github.com/kyleseneker/ringtrace/internal/loader"
	"github.com/kyleseneker/ringtrace/internal/observability"
	"github.com/kyleseneker/ringtrace/internal/record"
	"github.com/kyleseneker/ringtrace/internal/ring"
)

func (a *app) newAttachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach --object <bpf.o> [--symbol <kernel fn>]",
		Short: "Load a BPF object, attach its kprobe and print events from its ring buffer",
		Long: `attach loads a compiled BPF object, attaches its kprobe program to a
kernel function and drains the object's ring buffer map with the consumer
loop until interrupted. Requires root or CAP_BPF and CAP_PERFMON.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAttach(cmd.Context())
		},
	}
	fs := cmd.Flags()
	fs.String("object", "", "Path to the BPF ELF object.")
	fs.String("symbol", "do_sys_openat2", "Kernel function to attach the kprobe to.")
	fs.String("program", "", "Program name in the object; defaults to the first kprobe.")
	fs.String("events-map", loader.DefaultEventsMap, "Name of the ring buffer map.")
	addConsumerFlags(fs)
	return cmd
}

func (a *app) runAttach(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Attach.Object == "" {
		return usageErrorf("--object is required")
	}

	loaded, err := loader.LoadAndAttach(loader.Options{
		Object:    cfg.Attach.Object,
		Symbol:    cfg.Attach.Symbol,
		Program:   cfg.Attach.Program,
		EventsMap: cfg.Attach.EventsMap,
	})
	if err != nil {
		var derr *diag.Error
		if errors.As(err, &derr) {
			return err
		}
		return diag.New(diag.PhaseAttach, err, 0, "")
	}
	defer loaded.Close()

	tr, err := kernel.Open(loaded.EventsMap)
	if err != nil {
		return diag.New(diag.PhaseLoad, err, 0, "")
	}
	defer tr.Close()
	stop := context.AfterFunc(ctx, func() { _ = tr.Close() })
	defer stop()

	acct := &ring.Accountant{}
	observability.RegisterAccountant(a.registry, acct)
	c := consumer.New(tr, consumer.Options{
		RetryBudget:  cfg.Consumer.RetryBudget,
		PollTimeout:  cfg.Consumer.PollTimeout,
		StrictLength: cfg.Consumer.StrictLength,
		FailFast:     cfg.Consumer.FailFast,
		ErrorBuffer:  cfg.Consumer.ErrorBuffer,
		Logger:       a.logger,
		Accountant:   acct,
		Metrics:      observability.NewMetrics(a.registry),
	})

	a.logger.Info("attached",
		zap.String("object", cfg.Attach.Object),
		zap.String("symbol", cfg.Attach.Symbol),
		zap.String("program", loaded.Program.String()),
	)
	fmt.Fprintf(a.stdout, "attached kprobe/%s; reading events from %s\n", cfg.Attach.Symbol, cfg.Attach.Object)
	fmt.Fprintln(a.stdout, "press Ctrl+C to stop")

	err = c.Run(ctx, consumer.HandlerFunc(func(_ context.Context, ev record.Event) error {
		fmt.Fprintf(a.stdout, "%s %s\n", time.Now().Format(time.RFC3339Nano), ev)
		return nil
	}))
	stats := acct.Snapshot()
	a.logger.Info("detached",
		zap.Uint64("delivered", stats.Delivered),
		zap.Uint64("corrupt", stats.Corrupt),
	)
	return err
}
