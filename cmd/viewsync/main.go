// Command viewsync is the operator CLI of the propagation engine: schema
// management, batch rollout execution and audit inspection against the
// PostgreSQL store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "viewsync:", err)
		stop()
		os.Exit(1)
	}
}
