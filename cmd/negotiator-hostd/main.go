// negotiator-hostd is the host side of Negotiator: it keeps one worker
// subprocess running per negotiator-capable guest, serving the commands
// that guest is allowed to invoke on the host (spec.md §4.6).
//
// A negotiator-hostd process also doubles as the worker binary itself: when
// re-executed with NEGOTIATOR_WORKER_GUEST set (see internal/supervisor),
// it skips the reconciliation loop entirely and instead dials that one
// guest's channel and serves it until the connection drops.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/xfeldman/negotiator/internal/commands"
	"github.com/xfeldman/negotiator/internal/config"
	"github.com/xfeldman/negotiator/internal/dispatch"
	"github.com/xfeldman/negotiator/internal/hostchan"
	"github.com/xfeldman/negotiator/internal/shutdown"
	"github.com/xfeldman/negotiator/internal/supervisor"
	"github.com/xfeldman/negotiator/internal/virsh"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if guestName, socket := workerModeArgs(); guestName != "" {
		runWorker(guestName, socket)
		return
	}

	runSupervisor()
}

func workerModeArgs() (guestName, socket string) {
	return os.Getenv(supervisor.WorkerGuestEnvVar), os.Getenv(supervisor.WorkerSocketEnvVar)
}

// runWorker is what a self-reexeced worker process actually does: connect
// to one guest's guest-to-host channel and serve commands from it for as
// long as the connection lasts.
func runWorker(guestName, socket string) {
	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}
	if err := (&commands.Catalog{BuiltinDir: cfg.BuiltinCommandsDir}).EnsureBuiltinExecutable(); err != nil {
		log.Fatalf("repair builtin command permissions: %v", err)
	}

	ctx, stop := shutdown.WithSignals(context.Background())
	defer stop()

	vc := virsh.New(cfg.VirshBin)
	ch, err := hostchan.Dial(ctx, vc, guestName, socket)
	if err != nil {
		log.Fatalf("[%s] failed to initialize channel: %v (worker will respawn in a bit)", guestName, err)
	}
	defer ch.Close()

	catalog := &commands.Catalog{
		BuiltinDir:         cfg.BuiltinCommandsDir,
		UserDir:            cfg.UserCommandsDir,
		PrepareEnvironment: ch.PrepareEnvironment,
	}

	log.Printf("[%s] worker ready, serving %s", guestName, socket)
	if err := ch.Serve(ctx, dispatch.New(catalog)); err != nil && ctx.Err() == nil {
		log.Printf("[%s] channel closed: %v", guestName, err)
	}
}

// runSupervisor is the normal entrypoint: reconcile the worker set against
// running guests every ReconcileInterval until a shutdown signal arrives.
func runSupervisor() {
	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	ctx, stop := shutdown.WithSignals(context.Background())
	defer stop()

	vc := virsh.New(cfg.VirshBin)
	mgr := supervisor.NewManager(vc)

	log.Printf("negotiator-hostd ready (pid %d), reconciling every %s", os.Getpid(), cfg.ReconcileInterval)

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	if err := mgr.Tick(ctx); err != nil {
		log.Printf("reconcile: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("shutting down, terminating all workers ..")
			mgr.Shutdown()
			log.Println("negotiator-hostd stopped")
			return
		case <-ticker.C:
			if err := mgr.Tick(ctx); err != nil {
				log.Printf("reconcile: %v", err)
			}
		}
	}
}
