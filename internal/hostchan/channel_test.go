package hostchan

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xfeldman/negotiator/internal/virsh"
)

func TestDialConnectsToExplicitSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "sock")
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := Dial(ctx, virsh.New(""), "web01", sockPath)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	if ch.GuestName != "web01" {
		t.Fatalf("got guest name %q, want %q", ch.GuestName, "web01")
	}
}

func TestDialReturnsInitializationErrorWhenRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	missing := filepath.Join(t.TempDir(), "no-such-socket")
	_, err := Dial(ctx, virsh.New(""), "web01", missing)
	if err == nil {
		t.Fatalf("expected an error dialing a nonexistent socket")
	}
	if _, ok := err.(*InitializationError); !ok {
		t.Fatalf("expected *InitializationError, got %T: %v", err, err)
	}
}

func TestPrepareEnvironmentSetsGuestName(t *testing.T) {
	ch := &Channel{GuestName: "db01"}
	env := ch.PrepareEnvironment()
	if len(env) != 1 || env[0] != "NEGOTIATOR_GUEST=db01" {
		t.Fatalf("got %v, want [NEGOTIATOR_GUEST=db01]", env)
	}
}

func TestDialWithoutSocketUsesDiscovery(t *testing.T) {
	if _, err := os.Stat("/nonexistent-virsh-binary-marker"); err == nil {
		t.Skip("unexpected fixture collision")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// A virsh binary that doesn't exist makes discovery fail fast; this
	// exercises the discovery branch without requiring a real libvirt host.
	vc := virsh.New(filepath.Join(t.TempDir(), "virsh-does-not-exist"))
	_, err := Dial(ctx, vc, "web01", "")
	if err == nil {
		t.Fatalf("expected discovery to fail for a guest with no virsh available")
	}
	if _, ok := err.(*InitializationError); !ok {
		t.Fatalf("expected *InitializationError, got %T: %v", err, err)
	}
}
