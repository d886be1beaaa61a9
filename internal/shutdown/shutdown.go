// Package shutdown converts SIGTERM/SIGINT into a cancellable
// context.Context, the Go equivalent of the original GracefulShutdown
// context manager (spec.md §4.6/§9).
package shutdown

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

// WithSignals returns a context that is canceled the first time the process
// receives SIGTERM or SIGINT, plus a stop function that releases the signal
// handler. Call stop once the context is no longer needed (typically via
// defer) to avoid leaking the signal.Notify registration.
func WithSignals(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("shutdown: received signal %s, shutting down ..", sig)
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
}
