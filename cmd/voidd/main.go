// Command voidd is the local code-indexing daemon: it speaks line-delimited
// JSON-RPC on stdin/stdout and indexes a workspace into an embedded vector
// store as the workspace changes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/andiggi/voidd/internal/bridge"
	"github.com/andiggi/voidd/internal/coordinator"
	"github.com/andiggi/voidd/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger, closeLog, err := logging.Setup(os.Getenv("VOIDD_LOG_LEVEL"), os.Getenv("VOIDD_LOG_FILE"))
	if err != nil {
		return 1
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := coordinator.New(logger, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		coord.Shutdown()
	}()

	err = bridge.Run(ctx, os.Stdin, os.Stdout, coord, logger)
	coord.Shutdown() // no-op if already drained, e.g. via the shutdown RPC or a signal

	if err != nil {
		logger.Error("bridge terminated with error", "error", err)
		return 2
	}
	return 0
}
