// Package callback implements the callback router: at execute time it
// resolves each sandbox-issued __callHostCallback into either an
// in-process closure invocation or a correlated round trip over a
// cross-process callback peer channel.
package callback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/tools"
)

// Func is a host-language callback implementation: it receives the
// sandbox call's already-encoded JSON arguments and returns a JSON result
// or an error. Both in-process closures and cross-process peer round
// trips are driven through this same shape from the router's perspective.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ValidationError is an optional interface a Func's returned error may
// implement to carry structured field issues instead of only a message —
// the router folds these into a RetryHint on the surfaced CallbackError so
// a caller can correct its next attempt instead of resending the same
// call. ExampleInput may return nil if the tool has none to offer.
type ValidationError interface {
	error
	Issues() []errorkind.FieldIssue
	ExampleInput() map[string]any
}

// Config describes a host-callback slot a capability aggregator exposes,
// distinct from the Func that implements it at execute time — one slot
// may be re-implemented across sessions.
type Config struct {
	Namespace    string
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// ID returns the namespace.name identifier this config is matched against.
func (c Config) ID() tools.Ident { return tools.NewIdent(c.Namespace, c.Name) }

// Registry is the append-only, per-execute mapping from callback id to
// in-process implementation.
type Registry struct {
	mu   sync.RWMutex
	impl map[tools.Ident]Func
}

// NewRegistry returns an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{impl: make(map[tools.Ident]Func)}
}

// Register binds fn to id. It rejects re-registering an id already bound,
// matching the "append-only within an execute" contract.
func (r *Registry) Register(id tools.Ident, fn Func) error {
	if fn == nil {
		return errorkind.New(errorkind.Internal, "callback %s: nil implementation", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.impl[id]; exists {
		err := errorkind.New(errorkind.Conflict, "callback %s already registered", id)
		err.Name = id.String()
		return err
	}
	r.impl[id] = fn
	return nil
}

// Lookup returns the implementation bound to id, if any. Lookup takes a
// read lock: concurrent lookups do not block each other, but a lookup
// waits while a Register call holds the write lock.
func (r *Registry) Lookup(id tools.Ident) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.impl[id]
	return fn, ok
}

// Has reports whether id has a bound implementation.
func (r *Registry) Has(id tools.Ident) bool {
	_, ok := r.Lookup(id)
	return ok
}

// MissingCallbacks checks, for every configured callback, that either the
// registry has a matching implementation or a peer is present — the
// pre-execute check spec.md §4.6 requires, run before any engine setup.
// Returns the ids that resolved neither way.
func MissingCallbacks(configs []Config, registry *Registry, hasPeer bool) []string {
	var missing []string
	for _, c := range configs {
		id := c.ID()
		if registry != nil && registry.Has(id) {
			continue
		}
		if hasPeer {
			continue
		}
		missing = append(missing, id.String())
	}
	return missing
}
