package guestdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// HelperEnvVar marks a self-reexecuted process as the SIGIO waiter helper
// spawned by blocking-read emulation (spec.md §4.4's "spawn a subprocess to
// reliably handle SIGIO signals" step). A long-lived daemon process checks
// for this at the very top of main, before doing any of its own setup, and
// if present runs RunHelper and never returns.
const HelperEnvVar = "NEGOTIATOR_GUESTDEV_WAIT_FOR_SIGIO"

// Device wraps a virtio character device file so that reads which find
// nothing available block (via device-specific emulation) instead of
// returning immediately, the way a regular blocking file descriptor would.
// Writes and Close pass straight through to the underlying file.
type Device struct {
	*os.File

	ctx context.Context
}

// NewDevice wraps an already-open character device file. ctx bounds every
// blocking-read wait this Device performs; once ctx is done, pending and
// future reads fail with ctx.Err().
func NewDevice(ctx context.Context, f *os.File) *Device {
	return &Device{File: f, ctx: ctx}
}

// OpenRetry opens path for reading and writing, retrying EBUSY errors (the
// character device only accepts one reader) until ctx is done.
func OpenRetry(ctx context.Context, path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			return f, nil
		}
		if !isEBUSY(err) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("open %s: %w", path, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Read blocks until the device has data, ctx is done, or the device
// returns a real error. An empty read with no error is this device's way
// of saying "no one is connected on the other end yet" rather than EOF;
// that's what triggers the blocking-read emulation instead of returning
// immediately.
func (d *Device) Read(p []byte) (int, error) {
	for {
		n, err := d.File.Read(p)
		if n > 0 {
			return n, err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		select {
		case <-d.ctx.Done():
			return 0, d.ctx.Err()
		default:
		}
		n, err = d.waitForData(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func isEBUSY(err error) bool {
	return errors.Is(err, errBusy)
}
