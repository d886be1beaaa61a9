// Package guestdev locates and opens the virtio character device the guest
// daemon uses to talk to the host, and emulates a blocking readline on top
// of a device that Go's runtime otherwise treats as always-ready (spec.md
// §4.4).
package guestdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NotFoundError is returned by FindCharacterDevice when no virtio port with
// the requested name exists.
type NotFoundError struct {
	PortName string
	Root     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("failed to select the appropriate character device for port name %q under %s: "+
		"this is probably caused by a missing virtio-serial channel definition on the QEMU host", e.PortName, e.Root)
}

// FindCharacterDevice scans root (normally /sys/class/virtio-ports) for an
// entry whose "name" file contains portName, and returns the corresponding
// /dev node.
func FindCharacterDevice(root, portName string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", root, err)
	}
	for _, entry := range entries {
		nameFile := filepath.Join(root, entry.Name(), "name")
		contents, err := os.ReadFile(nameFile)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(contents)) == portName {
			return filepath.Join("/dev", entry.Name()), nil
		}
	}
	return "", &NotFoundError{PortName: portName, Root: root}
}
