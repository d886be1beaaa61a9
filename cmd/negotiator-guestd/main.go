// negotiator-guestd is the guest side of Negotiator: a daemon that runs
// inside a KVM/QEMU guest, opens the virtio character device backing the
// host-to-guest channel, and serves commands the host requests (spec.md
// §4.4).
//
// A negotiator-guestd process also doubles as its own SIGIO waiter helper:
// when re-executed with NEGOTIATOR_GUESTDEV_WAIT_FOR_SIGIO set (see
// internal/guestdev), it skips the daemon entirely and just blocks for one
// signal before exiting.
package main

import (
	"context"
	"log"
	"os"

	"github.com/xfeldman/negotiator/internal/commands"
	"github.com/xfeldman/negotiator/internal/config"
	"github.com/xfeldman/negotiator/internal/dispatch"
	"github.com/xfeldman/negotiator/internal/guestdev"
	"github.com/xfeldman/negotiator/internal/rpc"
	"github.com/xfeldman/negotiator/internal/shutdown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if os.Getenv(guestdev.HelperEnvVar) != "" {
		guestdev.RunHelper()
		return
	}

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	catalog := &commands.Catalog{
		BuiltinDir: cfg.BuiltinCommandsDir,
		UserDir:    cfg.UserCommandsDir,
	}
	if err := catalog.EnsureBuiltinExecutable(); err != nil {
		log.Fatalf("repair builtin command permissions: %v", err)
	}

	ctx, stop := shutdown.WithSignals(context.Background())
	defer stop()

	path, err := guestdev.FindCharacterDevice(cfg.VirtioPortRoot, config.HostToGuestChannelName)
	if err != nil {
		log.Fatalf("find character device: %v", err)
	}
	log.Printf("selected character device %s for channel %s", path, config.HostToGuestChannelName)

	openCtx, cancelOpen := context.WithTimeout(ctx, cfg.OpenDeviceTimeout)
	f, err := guestdev.OpenRetry(openCtx, path)
	cancelOpen()
	if err != nil {
		log.Fatalf("open character device %s: %v", path, err)
	}

	dev := guestdev.NewDevice(ctx, f)
	endpoint := rpc.New(dev, "character device "+path)
	defer endpoint.Close()

	log.Printf("negotiator-guestd ready (pid %d), serving %s", os.Getpid(), path)
	if err := endpoint.Serve(ctx, dispatch.New(catalog)); err != nil && ctx.Err() == nil {
		log.Fatalf("serve: %v", err)
	}
	log.Println("negotiator-guestd stopped")
}
