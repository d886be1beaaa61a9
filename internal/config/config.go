// Package config holds the runtime configuration shared by the negotiator
// host supervisor and the negotiator guest daemon.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Channel names for the two virtio ports Negotiator uses (spec.md §6).
const (
	GuestToHostChannelName = "negotiator-guest-to-host.0"
	HostToGuestChannelName = "negotiator-host-to-guest.0"
)

// Config holds negotiator-hostd/negotiator-guestd runtime configuration.
type Config struct {
	// BuiltinCommandsDir is the directory shipped alongside the core
	// containing builtin scripts. All of its regular files are
	// force-chmoded to 0755 on endpoint startup.
	BuiltinCommandsDir string

	// UserCommandsDir is the operator-populated directory; entries here
	// shadow builtins by filename.
	UserCommandsDir string

	// VirtioPortRoot is the directory scanned for virtio port name files
	// on the guest side (normally /sys/class/virtio-ports).
	VirtioPortRoot string

	// VirshBin is the virsh binary to invoke for guest discovery and
	// channel discovery. Empty means search PATH.
	VirshBin string

	// ReconcileInterval is how often the host supervisor reconciles its
	// worker set against the running guest set.
	ReconcileInterval time.Duration

	// OpenDeviceTimeout bounds how long the guest daemon will retry an
	// EBUSY character device open before giving up.
	OpenDeviceTimeout time.Duration
}

// DefaultConfig returns the default configuration, modeled on
// negotiator_common.config from the original Python package.
func DefaultConfig() *Config {
	execDir := executableDir()
	return &Config{
		BuiltinCommandsDir: filepath.Join(execDir, "commands"),
		UserCommandsDir:    "/usr/lib/negotiator/commands",
		VirtioPortRoot:     "/sys/class/virtio-ports",
		VirshBin:           "virsh",
		ReconcileInterval:  10 * time.Second,
		OpenDeviceTimeout:  60 * time.Second,
	}
}

// EnsureDirs creates the directories this config needs to exist.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.BuiltinCommandsDir, c.UserCommandsDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
