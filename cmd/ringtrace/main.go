// Command ringtrace drives the ring buffer consumer, either against
// in-process producers or against a kprobe attached through cilium/ebpf.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kyleseneker/ringtrace/internal/cli"
)

func main() {
	// SIGTERM matters for attach: the deferred detach must run.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
