// Package app holds process-level plumbing shared by the tripmill server and
// the ingest worker binaries.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// CreateContextWithShutdown returns a root context cancelled on SIGINT or
// SIGTERM. Both binaries block on it: the server drains HTTP connections and
// the worker finishes its current execution unit before exiting, so a signal
// never interrupts a load mid-transaction.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
