package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// WorkerGuestEnvVar and WorkerSocketEnvVar mark a self-reexecuted process as
// a per-guest worker (the Go analogue of forking an AutomaticGuestChannel
// subprocess, since Go has no multiprocessing.Process equivalent). A
// negotiator-hostd binary checks for WorkerGuestEnvVar at the top of main,
// before doing any supervisor setup, and if present runs as a worker
// instead: dialing the socket named by WorkerSocketEnvVar (the guest's
// guest-to-host channel) and serving the host dispatcher for
// that one guest, never returning to the reconciliation loop.
const (
	WorkerGuestEnvVar  = "NEGOTIATOR_WORKER_GUEST"
	WorkerSocketEnvVar = "NEGOTIATOR_WORKER_SOCKET"
)

// Worker tracks one self-reexeced child process dedicated to a single
// guest's guest-to-host channel.
type Worker struct {
	GuestName string
	ID        uuid.UUID
	startedAt time.Time

	cmd      *exec.Cmd
	done     chan struct{}
	stopOnce sync.Once
}

// spawnWorker re-executes the current binary with WorkerGuestEnvVar and
// WorkerSocketEnvVar set, so it re-enters main in worker mode for
// guestName's guest-to-host socket.
func spawnWorker(guestName, unixSocket string) (*Worker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable path: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		WorkerGuestEnvVar+"="+guestName,
		WorkerSocketEnvVar+"="+unixSocket,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker for guest %s: %w", guestName, err)
	}

	w := &Worker{
		GuestName: guestName,
		ID:        uuid.New(),
		startedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	log.Printf("supervisor: [%s] initializing worker %s for guest (pid %d) ..", guestName, w.ID, cmd.Process.Pid)

	go w.monitor()

	return w, nil
}

// monitor waits for the child to exit and marks it done. There is
// deliberately no crash-backoff restart here: a dead worker is simply
// removed from the tracked set, and the next reconciliation tick (at most
// ReconcileInterval later, immediately if the same tick is still running)
// respawns it, exactly like the underlying guest discovery cadence.
func (w *Worker) monitor() {
	err := w.cmd.Wait()
	if err != nil {
		log.Printf("supervisor: [%s] worker %s exited: %v (worker will respawn on next reconcile)", w.GuestName, w.ID, err)
	} else {
		log.Printf("supervisor: [%s] worker %s exited cleanly after %s", w.GuestName, w.ID, humanize.Time(w.startedAt))
	}
	close(w.done)
}

// Alive reports whether the worker's child process is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Stop sends SIGINT and escalates to SIGKILL after five seconds, mirroring
// the stop timeout of the process manager this package is modeled on.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cmd == nil || w.cmd.Process == nil {
			return
		}
		w.cmd.Process.Signal(os.Interrupt)

		timer := time.NewTimer(5 * time.Second)
		defer timer.Stop()

		select {
		case <-w.done:
			log.Printf("supervisor: [%s] worker %s stopped", w.GuestName, w.ID)
		case <-timer.C:
			w.cmd.Process.Kill()
			log.Printf("supervisor: [%s] worker %s killed after stop timeout", w.GuestName, w.ID)
			<-w.done
		}
	})
}
