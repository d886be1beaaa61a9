// Package rpc implements the bidirectional request/response dispatcher
// built on top of internal/protocol's frame codec (spec.md §4.2).
package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/xfeldman/negotiator/internal/protocol"
)

// Dispatcher is the polymorphic interface Serve dispatches requests against.
// It replaces the reflective "look up a method by name on an object"
// registry the original Python NegotiatorInterface used, per Design Note
// §9: implemented once for the host side and once for the guest side.
type Dispatcher interface {
	// ListMethods returns the names this dispatcher will accept via Invoke.
	// Names starting with "_" must never appear here (spec.md's privacy
	// boundary) — Serve also enforces this independently of what the
	// Dispatcher reports.
	ListMethods() []string

	// Invoke calls the named method with positional args and keyword args.
	Invoke(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error)
}

// RemoteMethodFailed is returned by Call when the peer's response has
// success=false.
type RemoteMethodFailed struct {
	Remote string
}

func (e *RemoteMethodFailed) Error() string { return e.Remote }

// Endpoint wraps one byte stream and implements both halves of the RPC
// protocol: the caller side (Call) and the server side (Serve). A byte
// stream is anything with Read, Write and Close — satisfied by both a
// net.Conn (host side) and an *os.File opened on a virtio character device
// (guest side).
type Endpoint struct {
	conn  io.ReadWriteCloser
	label string

	mu sync.Mutex // serializes writes and the write-then-read exchange in Call
	fr *protocol.FrameReader
	bw *bufio.Writer
}

// New wraps conn as an Endpoint. label is used only in log messages.
func New(conn io.ReadWriteCloser, label string) *Endpoint {
	return &Endpoint{
		conn:  conn,
		label: label,
		fr:    protocol.NewFrameReader(conn),
		bw:    bufio.NewWriter(conn),
	}
}

// Close closes the underlying stream.
func (e *Endpoint) Close() error { return e.conn.Close() }

// deadliner is satisfied by net.Conn and lets Call bound a call by a
// context deadline without requiring a net.Conn specifically (spec.md §5:
// "callers may wrap a call in a scoped timeout ... implemented as an
// asynchronous interruption of the blocking read after N seconds").
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Call writes a request and waits for the matching response. Per spec.md's
// invariant, at most one request is ever in flight on an Endpoint at a
// time: Call holds the endpoint's lock across the full write+read exchange,
// so a second concurrent Call blocks until the first completes.
//
// If ctx carries a deadline and the underlying stream supports
// SetDeadline, Call bounds the whole exchange by it. When the deadline
// fires, the call returns an error and the Endpoint must be treated as
// poisoned — per spec.md §5, a timed-out Endpoint is not safe to reuse for
// another Call.
func (e *Endpoint) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		if d, ok := e.conn.(deadliner); ok {
			d.SetDeadline(dl)
			defer d.SetDeadline(time.Time{})
		}
	}

	log.Printf("rpc: calling remote method %s on %s ..", formatCall(method, args, kwargs), e.label)

	req := protocol.Request{Method: method, Args: args, Kwargs: kwargs}
	if err := protocol.WriteFrame(e.bw, req); err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, e.label, err)
	}

	var resp protocol.Response
	if err := e.fr.ReadFrame(&resp); err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, e.label, err)
	}

	if !resp.Success {
		log.Printf("rpc: remote method call %s failed: %s", method, resp.Error)
		return nil, &RemoteMethodFailed{Remote: resp.Error}
	}
	return resp.Result, nil
}

// Serve loops reading requests and dispatching them against d until the
// transport closes or a fatal protocol error occurs (spec.md §4.2).
//
// A method whose name is empty, begins with "_", or isn't in d.ListMethods()
// never reaches Invoke — it gets a fixed "Method <name> not supported"
// error response instead (spec.md's dispatch-exclusion property). Any other
// error returned by Invoke is caught, logged, and converted to an error
// response; Serve keeps serving (spec.md's error-containment property). A
// *protocol.ProtocolError from the frame codec is fatal and returned to the
// caller, who in cmd/negotiator-hostd and cmd/negotiator-guestd logs it and
// exits so the worker (on the host) or the daemon (on the guest) can be
// respawned.
func (e *Endpoint) Serve(ctx context.Context, d Dispatcher) error {
	allowed := make(map[string]bool, len(d.ListMethods()))
	for _, m := range d.ListMethods() {
		allowed[m] = true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var req protocol.Request
		if err := e.fr.ReadFrame(&req); err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}

		resp := e.dispatch(ctx, req, allowed, d)

		e.mu.Lock()
		err := protocol.WriteFrame(e.bw, resp)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("serve %s: write response: %w", e.label, err)
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, req protocol.Request, allowed map[string]bool, d Dispatcher) protocol.Response {
	name := req.Method
	if name == "" || strings.HasPrefix(name, "_") || !allowed[name] {
		log.Printf("rpc: %s tried to call unsupported method %q", e.label, name)
		return protocol.Response{Success: false, Error: fmt.Sprintf("Method %s not supported", name)}
	}

	args := req.Args
	if args == nil {
		args = []any{}
	}
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	log.Printf("rpc: %s is calling local method %s ..", e.label, formatCall(name, args, kwargs))
	result, err := invokeRecover(ctx, d, name, args, kwargs)
	if err != nil {
		log.Printf("rpc: swallowing exception from local method %s so we don't crash: %v", name, err)
		return protocol.Response{Success: false, Error: err.Error()}
	}
	log.Printf("rpc: local method call %s succeeded", name)
	return protocol.Response{Success: true, Result: result}
}

// invokeRecover converts a panicking dispatcher method into an error rather
// than crashing the whole endpoint — the Go analogue of the original's
// "catch every exception so the serve loop doesn't die" behavior.
func invokeRecover(ctx context.Context, d Dispatcher, name string, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in method %s: %v", name, r)
		}
	}()
	return d.Invoke(ctx, name, args, kwargs)
}

func formatCall(method string, args []any, kwargs map[string]any) string {
	parts := make([]string, 0, len(args)+len(kwargs))
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%#v", a))
	}
	for k, v := range kwargs {
		parts = append(parts, fmt.Sprintf("%s=%#v", k, v))
	}
	return fmt.Sprintf("%s(%s)", method, strings.Join(parts, ", "))
}

func isClosed(err error) bool {
	return err != nil && (err == io.EOF || strings.Contains(err.Error(), "closed") || strings.Contains(err.Error(), "EOF"))
}
