package guestdev

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestMain lets this test binary double as its own SIGIO-waiter helper, the
// same way negotiator-guestd's real main does: when waitForData re-execs
// os.Args[0] with HelperEnvVar set, that's this very binary, so it needs to
// run RunHelper instead of the test suite.
func TestMain(m *testing.M) {
	if os.Getenv(HelperEnvVar) != "" {
		RunHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestFindCharacterDeviceMatchesByNameFile(t *testing.T) {
	root := t.TempDir()
	writePortName(t, root, "vport1p1", "negotiator-host-to-guest.0")
	writePortName(t, root, "vport1p2", "negotiator-guest-to-host.0")

	got, err := FindCharacterDevice(root, "negotiator-guest-to-host.0")
	if err != nil {
		t.Fatalf("FindCharacterDevice failed: %v", err)
	}
	want := filepath.Join("/dev", "vport1p2")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFindCharacterDeviceReturnsNotFoundError(t *testing.T) {
	root := t.TempDir()
	writePortName(t, root, "vport1p1", "some-other-channel")

	_, err := FindCharacterDevice(root, "negotiator-guest-to-host.0")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("expected *NotFoundError, got %T: %v", err, err)
	}
}

func writePortName(t *testing.T, root, port, name string) {
	t.Helper()
	dir := filepath.Join(root, port)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0644); err != nil {
		t.Fatalf("write name file: %v", err)
	}
}

func TestOpenRetrySucceedsImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("create fixture file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f, err := OpenRetry(ctx, path)
	if err != nil {
		t.Fatalf("OpenRetry failed: %v", err)
	}
	defer f.Close()
}

func TestOpenRetryGivesUpOnNonBusyError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := OpenRetry(ctx, filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatalf("expected an error opening a nonexistent path")
	}
}

func TestDeviceReadReturnsDataAlreadyPresent(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := w.WriteString("hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dev := NewDevice(ctx, r)
	buf := make([]byte, 64)
	n, err := dev.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "hello\n" {
		t.Fatalf("got %q, want %q", buf[:n], "hello\n")
	}
}

// TestDeviceReadBlocksUntilDelayedWrite exercises Device.Read's observable
// contract: called against an empty transport it blocks, and a write from
// the other end some time later is what makes it return.
func TestDeviceReadBlocksUntilDelayedWrite(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev := NewDevice(ctx, r)
	buf := make([]byte, 64)
	result := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		n, err := dev.Read(buf)
		result <- struct {
			n   int
			err error
		}{n, err}
	}()

	select {
	case res := <-result:
		t.Fatalf("Read returned before the delayed write (n=%d, err=%v); expected it to block", res.n, res.err)
	case <-time.After(150 * time.Millisecond):
	}

	if _, err := w.WriteString("hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-result:
		if res.err != nil {
			t.Fatalf("Read failed: %v", res.err)
		}
		if string(buf[:res.n]) != "hello\n" {
			t.Fatalf("got %q, want %q", buf[:res.n], "hello\n")
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Read never unblocked after the delayed write")
	}
}

// TestWaitForDataReturnsDataFoundByInterimRecheck is a regression test for
// spec.md §4.4 step 4 (re-attempt the read right after F_SETOWN): data that
// is already sitting on the transport by the time the SIGIO owner is set
// must be picked up immediately, without waiting on a SIGIO that the kernel
// will never deliver for data that arrived before O_ASYNC/F_SETOWN were
// established.
func TestWaitForDataReturnsDataFoundByInterimRecheck(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := w.WriteString("hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dev := NewDevice(ctx, r)
	buf := make([]byte, 64)

	done := make(chan struct{})
	var n int
	var waitErr error
	go func() {
		n, waitErr = dev.waitForData(buf)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("waitForData never returned; the interim recheck did not pick up data already on the transport")
	}

	if waitErr != nil {
		t.Fatalf("waitForData failed: %v", waitErr)
	}
	if n == 0 {
		t.Fatal("expected waitForData's interim recheck to find the already-written data")
	}
	if string(buf[:n]) != "hello\n" {
		t.Fatalf("got %q, want %q", buf[:n], "hello\n")
	}
}
