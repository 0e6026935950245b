// Command sentinentx runs the consensus-gated derivatives execution engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sentinentx/internal/cli"
	"sentinentx/internal/config"
	"sentinentx/internal/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLoggerWithConfig(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
