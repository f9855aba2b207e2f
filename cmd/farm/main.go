// Command farm runs a module on a pool of workers, either behind an HTTP API
// (farm serve) or for a single call (farm call).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/workerfarm/internal/child"
	_ "github.com/seantiz/workerfarm/internal/fixtures"
)

func main() {
	// The process backend re-executes this binary for each worker.
	if child.IsChild() {
		child.Main()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
