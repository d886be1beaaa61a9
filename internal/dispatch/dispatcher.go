// Package dispatch implements the rpc.Dispatcher both the host supervisor
// worker and the guest daemon expose: the two methods every negotiator
// endpoint supports, list_commands and execute, backed by a shared command
// catalog (spec.md §4.3). This is the Go replacement for the reflective
// getattr-based dispatch of the original NegotiatorInterface (Design Note
// §9).
package dispatch

import (
	"context"
	"fmt"

	"github.com/xfeldman/negotiator/internal/commands"
)

// CatalogDispatcher exposes a *commands.Catalog over RPC. Both
// negotiator-hostd (once per guest worker) and negotiator-guestd construct
// one of these; the only difference between them is which directories and
// PrepareEnvironment hook the underlying catalog was built with.
type CatalogDispatcher struct {
	catalog *commands.Catalog
}

// New wraps catalog as an rpc.Dispatcher.
func New(catalog *commands.Catalog) *CatalogDispatcher {
	return &CatalogDispatcher{catalog: catalog}
}

// ListMethods reports the two methods every negotiator endpoint accepts.
func (d *CatalogDispatcher) ListMethods() []string {
	return []string{"list_commands", "execute"}
}

// Invoke dispatches list_commands/execute by name. Any other name reaching
// here is a programming error: Serve only calls Invoke for names returned
// by ListMethods.
func (d *CatalogDispatcher) Invoke(ctx context.Context, name string, args []any, kwargs map[string]any) (any, error) {
	switch name {
	case "list_commands":
		return d.listCommands()
	case "execute":
		return d.execute(ctx, args, kwargs)
	default:
		return nil, fmt.Errorf("unrecognized method %s", name)
	}
}

func (d *CatalogDispatcher) listCommands() (any, error) {
	names := d.catalog.ListCommands()
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out, nil
}

func (d *CatalogDispatcher) execute(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("execute requires at least a command name")
	}
	argv := make([]string, len(args))
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("execute argument %d is not a string: %#v", i, a)
		}
		argv[i] = s
	}

	var stdin *string
	if raw, ok := kwargs["input"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("execute input keyword argument is not a string: %#v", raw)
		}
		stdin = &s
	}

	return d.catalog.Execute(ctx, argv, stdin)
}
