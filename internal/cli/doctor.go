package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kyleseneker/ringtrace/internal/doctor"
)

func (a *app) newDoctorCmd() *cobra.Command {
	cfg := doctor.Config{}
	cmd := &cobra.Command{
		Use:   "doctor [flags]",
		Short: "Check kernel support for kprobes and BPF ring buffers",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.Stdout = a.stdout
			cfg.Stderr = a.stderr
			return doctor.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Timeout for each external version check.")
	cmd.Flags().StringVar(&cfg.BTFPath, "btf-path", "", "Kernel BTF location (default /sys/kernel/btf/vmlinux).")
	return cmd
}
