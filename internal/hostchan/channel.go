// Package hostchan implements the host side of a guest channel: dialing
// the UNIX socket a guest's virtio-serial port is backed by, with
// auto-discovery of the socket path via virsh when it isn't already known
// (spec.md §4.5).
package hostchan

import (
	"context"
	"fmt"
	"net"

	"github.com/xfeldman/negotiator/internal/config"
	"github.com/xfeldman/negotiator/internal/rpc"
	"github.com/xfeldman/negotiator/internal/virsh"
)

// InitializationError is returned when a channel to a guest can't be
// established: no socket could be discovered, or the guest refused the
// connection attempt (most likely because it isn't running the guest
// daemon, or hasn't gotten around to accepting the connection yet).
type InitializationError struct {
	GuestName string
	Reason    string
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize channel to guest %q: %s", e.GuestName, e.Reason)
}

// Channel is the host side of the channel connecting a KVM/QEMU host to one
// running guest.
type Channel struct {
	GuestName string
	*rpc.Endpoint
}

// Dial connects to the UNIX socket unixSocket on behalf of guestName. If
// unixSocket is empty, the path of guestName's host-to-guest channel socket
// is discovered with virsh dumpxml and dialed instead.
func Dial(ctx context.Context, vc *virsh.Client, guestName, unixSocket string) (*Channel, error) {
	if unixSocket == "" {
		channels, err := vc.ChannelsOfGuest(ctx, guestName)
		if err != nil {
			return nil, &InitializationError{GuestName: guestName, Reason: err.Error()}
		}
		path, ok := channels[config.HostToGuestChannelName]
		if !ok {
			return nil, &InitializationError{
				GuestName: guestName,
				Reason:    "no UNIX socket pathname provided and auto-detection failed",
			}
		}
		unixSocket = path
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", unixSocket)
	if err != nil {
		return nil, &InitializationError{GuestName: guestName, Reason: "guest refused connection attempt: " + err.Error()}
	}

	ch := &Channel{GuestName: guestName}
	ch.Endpoint = rpc.New(conn, fmt.Sprintf("UNIX socket %s", unixSocket))
	return ch, nil
}

// PrepareEnvironment returns the extra environment entries commands
// executed on behalf of this channel should see: the name of the guest
// that invoked them, so scripts can tell guests apart (spec.md §4.5).
func (c *Channel) PrepareEnvironment() []string {
	return []string{"NEGOTIATOR_GUEST=" + c.GuestName}
}
