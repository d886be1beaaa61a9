// Package supervisor implements the host-side reconciliation loop that
// keeps one worker subprocess running per negotiator-capable guest
// (spec.md §4.6), modeled on the per-instance sidecar process manager the
// teacher uses for its own daemons.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/xfeldman/negotiator/internal/config"
)

// guestDiscoverer is the subset of *virsh.Client the reconciliation loop
// needs; tests substitute a fake implementation.
type guestDiscoverer interface {
	ListRunningGuests(ctx context.Context) ([]string, error)
	ChannelsOfGuest(ctx context.Context, guestName string) (map[string]string, error)
}

// Manager maps guest name to worker and maintains the set of guests known
// not to support negotiator, so they aren't re-probed with virsh dumpxml on
// every tick.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*Worker
	ignored map[string]bool

	vc    guestDiscoverer
	spawn func(guestName, unixSocket string) (*Worker, error)
}

// NewManager creates a Manager that discovers guests and channels through
// vc.
func NewManager(vc guestDiscoverer) *Manager {
	return &Manager{
		workers: make(map[string]*Worker),
		ignored: make(map[string]bool),
		vc:      vc,
		spawn:   spawnWorker,
	}
}

// Tick runs one reconciliation pass: discover running guests, clean up
// dead or vanished workers, then spawn workers for guests that are running,
// not ignored, and not already tracked (spec.md §4.6's four-step cycle).
func (m *Manager) Tick(ctx context.Context) error {
	running, err := m.vc.ListRunningGuests(ctx)
	if err != nil {
		return err
	}
	runningSet := make(map[string]bool, len(running))
	for _, name := range running {
		runningSet[name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupWorkers(runningSet)
	return m.spawnWorkers(ctx, runningSet)
}

// cleanupWorkers removes workers whose child process has exited and
// terminates (then removes) workers for guests no longer running. Must be
// called with mu held.
func (m *Manager) cleanupWorkers(running map[string]bool) {
	for name, w := range m.workers {
		if !w.Alive() {
			log.Printf("supervisor: [%s] cleaning up crashed worker ..", name)
			delete(m.workers, name)
			continue
		}
		if !running[name] {
			log.Printf("supervisor: [%s] terminating worker because guest is no longer running ..", name)
			w.Stop()
			delete(m.workers, name)
		}
	}
}

// spawnWorkers spawns a worker for every running, non-ignored guest that
// doesn't already have one, in sorted order for deterministic log output.
// Must be called with mu held.
func (m *Manager) spawnWorkers(ctx context.Context, running map[string]bool) error {
	var candidates []string
	for name := range running {
		if !m.ignored[name] {
			candidates = append(candidates, name)
		}
	}
	sort.Strings(candidates)

	for _, name := range candidates {
		if _, ok := m.workers[name]; ok {
			continue
		}

		channels, err := m.vc.ChannelsOfGuest(ctx, name)
		if err != nil {
			return fmt.Errorf("discover channels for guest %s: %w", name, err)
		}

		socket, supported := channels[config.GuestToHostChannelName]
		if !supported {
			log.Printf("supervisor: [%s] doesn't support negotiator, adding to ignore list ..", name)
			m.ignored[name] = true
			continue
		}

		log.Printf("supervisor: [%s] initializing worker for guest ..", name)
		w, err := m.spawn(name, socket)
		if err != nil {
			return fmt.Errorf("spawn worker for guest %s: %w", name, err)
		}
		m.workers[name] = w
	}
	return nil
}

// Shutdown terminates every tracked worker. Call it once on daemon exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*Worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
}

// FindSupportedGuests returns, in sorted order, the names of running
// guests whose channels include the host-to-guest socket — i.e. guests a
// caller could open a GuestChannel to. Supplemented from
// negotiator_host.find_supported_guests(), which the distilled spec didn't
// carry over but which is useful for any CLI or operator tooling built on
// top of this package.
func FindSupportedGuests(ctx context.Context, vc guestDiscoverer) ([]string, error) {
	running, err := vc.ListRunningGuests(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(running)

	var supported []string
	for _, name := range running {
		channels, err := vc.ChannelsOfGuest(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("discover channels for guest %s: %w", name, err)
		}
		if _, ok := channels[config.HostToGuestChannelName]; ok {
			supported = append(supported, name)
		}
	}
	return supported, nil
}
