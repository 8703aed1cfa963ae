// fotactl is the operator CLI for the FOTA service.
package main

import (
	"context"
	"fotaflow/cmd/fotactl/commands"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.Execute(ctx, Version, Commit); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
