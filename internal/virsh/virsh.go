// Package virsh discovers running guests and their virtio channel sockets
// by shelling out to the virsh binary and parsing its output, mirroring
// negotiator_host.find_running_guests and find_channels_of_guest (spec.md
// §4.6).
package virsh

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strings"
)

// GuestDiscoveryError is returned by ListRunningGuests when the "virsh
// list" invocation itself fails, as opposed to merely finding zero guests.
type GuestDiscoveryError struct {
	Cause error
}

func (e *GuestDiscoveryError) Error() string {
	return fmt.Sprintf("the 'virsh list' command failed, most likely libvirtd isn't running: %v", e.Cause)
}

func (e *GuestDiscoveryError) Unwrap() error { return e.Cause }

// Client runs virsh commands against the local libvirt daemon.
type Client struct {
	// Bin is the virsh executable to invoke. Empty means "virsh" resolved
	// via PATH.
	Bin string
}

func New(bin string) *Client {
	if bin == "" {
		bin = "virsh"
	}
	return &Client{Bin: bin}
}

// ListRunningGuests returns the names of guests virsh reports as running.
func (c *Client) ListRunningGuests(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "--quiet", "list", "--all")
	if err != nil {
		return nil, &GuestDiscoveryError{Cause: err}
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		vmName, vmStatus := fields[1], strings.Join(fields[2:], " ")
		if vmStatus == "running" {
			names = append(names, vmName)
		}
	}
	return names, nil
}

// domain is the subset of `virsh dumpxml`'s output this package cares
// about: virtio-serial channels backed by a UNIX socket.
type domain struct {
	Devices struct {
		Channels []channel `xml:"channel"`
	} `xml:"devices"`
}

type channel struct {
	Type   string `xml:"type,attr"`
	Source struct {
		Path string `xml:"path,attr"`
	} `xml:"source"`
	Target struct {
		Type string `xml:"type,attr"`
		Name string `xml:"name,attr"`
	} `xml:"target"`
}

// ChannelsOfGuest returns the UNIX socket path for each virtio-serial
// channel name configured for guestName, keyed by channel name.
func (c *Client) ChannelsOfGuest(ctx context.Context, guestName string) (map[string]string, error) {
	out, err := c.run(ctx, "dumpxml", guestName)
	if err != nil {
		return nil, fmt.Errorf("virsh dumpxml %s: %w", guestName, err)
	}

	var dom domain
	if err := xml.Unmarshal([]byte(out), &dom); err != nil {
		return nil, fmt.Errorf("parse domain XML for %s: %w", guestName, err)
	}

	channels := make(map[string]string)
	for _, ch := range dom.Devices.Channels {
		if ch.Type != "unix" || ch.Target.Type != "virtio" {
			continue
		}
		if ch.Target.Name == "" || ch.Source.Path == "" {
			continue
		}
		channels[ch.Target.Name] = ch.Source.Path
	}
	return channels, nil
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (%s)", c.Bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
