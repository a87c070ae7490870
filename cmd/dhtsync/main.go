package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dhtsync/internal/cli"
)

// Set with -ldflags "-X main.version=...". "dev" selects human-readable logs.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx, version); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "dhtsync: %v\n", err)
		stop()
		os.Exit(1)
	}
}
