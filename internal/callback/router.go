package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/tools"
	"github.com/google/uuid"
)

// DefaultTimeout is the deadline applied to a cross-process callback round
// trip when the router is not given one explicitly.
const DefaultTimeout = 30 * time.Second

// Peer is a persistent bidirectional, message-framed channel to a caller
// process. The router writes execute_tool requests onto it and relies on
// something upstream (the WebSocket transport's read loop) to feed
// response frames back into Router.HandleFrame.
type Peer interface {
	// Send writes one JSON-RPC frame onto the channel.
	Send(ctx context.Context, frame []byte) error
}

// rpcRequest is the execute_tool request frame shape spec.md §4.6 fixes.
type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
}

// rpcResponse is the inbound shape the router's reader matches against
// the pending-slot map: a message carrying either a result or an error,
// keyed by id.
type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcErrorObject `json:"error,omitempty"`
}

type rpcErrorObject struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    *rpcErrorHintData `json:"data,omitempty"`
}

// rpcErrorHintData lets a cross-process peer attach the same structured
// field issues an in-process ValidationError would, so execute_tool
// failures get a RetryHint regardless of which side of the wire raised them.
type rpcErrorHintData struct {
	Issues       []errorkind.FieldIssue `json:"issues,omitempty"`
	ExampleInput map[string]any         `json:"example_input,omitempty"`
}

type slotState int

const (
	slotIssued slotState = iota
	slotResolved
	slotTimedOut
)

type slot struct {
	ch    chan rpcResponse
	state slotState
}

// Router resolves __callHostCallback invocations against an in-process
// Registry first, falling back to a cross-process Peer round trip
// correlated by a UUID request id — the bidirectional RPC machine spec.md
// §4.6 names the "callback router".
type Router struct {
	registry *Registry
	peer     Peer
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*slot
}

// NewRouter builds a router backed by registry (may be nil) and peer (may
// be nil — at least one of the two must resolve any given callback, which
// Dispatch enforces per call and MissingCallbacks enforces up front). A
// zero timeout defaults to DefaultTimeout.
func NewRouter(registry *Registry, peer Peer, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{registry: registry, peer: peer, timeout: timeout, pending: make(map[string]*slot)}
}

// Dispatch routes one __callHostCallback(namespace, name, args) call. It
// tries the in-process registry first; if the callback has no in-process
// binding, it falls through to a cross-process round trip over the peer.
func (r *Router) Dispatch(ctx context.Context, id tools.Ident, args json.RawMessage) (json.RawMessage, error) {
	if r.registry != nil {
		if fn, ok := r.registry.Lookup(id); ok {
			result, err := fn(ctx, args)
			if err != nil {
				wrapped := errorkind.Wrap(errorkind.CallbackError, err, "callback %s rejected", id)
				if ve, ok := err.(ValidationError); ok {
					wrapped.WithRetryHint(errorkind.BuildRetryHint(id.String(), ve.Issues(), ve.ExampleInput()))
				}
				return nil, wrapped
			}
			return result, nil
		}
	}
	if r.peer == nil {
		return nil, errorkind.New(errorkind.MissingCallbacks, "callback %s has no in-process binding or peer", id)
	}
	return r.dispatchCrossProcess(ctx, id, args)
}

func (r *Router) dispatchCrossProcess(ctx context.Context, id tools.Ident, args json.RawMessage) (json.RawMessage, error) {
	reqID := uuid.NewString()
	s := &slot{ch: make(chan rpcResponse, 1), state: slotIssued}

	r.mu.Lock()
	r.pending[reqID] = s
	r.mu.Unlock()

	frame, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0", ID: reqID, Method: "execute_tool",
		Params: rpcParams{Namespace: id.Namespace, Name: id.Name, Args: args},
	})
	if err != nil {
		r.removePending(reqID)
		return nil, errorkind.Wrap(errorkind.Internal, err, "encoding execute_tool frame for %s", id)
	}

	if err := r.peer.Send(ctx, frame); err != nil {
		r.removePending(reqID)
		return nil, errorkind.Wrap(errorkind.TransportFailure, err, "sending execute_tool frame for %s", id)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-s.ch:
		if resp.Error != nil {
			wrapped := errorkind.New(errorkind.CallbackError, "callback %s rejected: %s", id, resp.Error.Message)
			if resp.Error.Data != nil {
				wrapped.WithRetryHint(errorkind.BuildRetryHint(id.String(), resp.Error.Data.Issues, resp.Error.Data.ExampleInput))
			}
			return nil, wrapped
		}
		return resp.Result, nil
	case <-timer.C:
		r.expirePending(reqID)
		return nil, errorkind.New(errorkind.Timeout, "callback %s timed out after %s", id, r.timeout)
	case <-ctx.Done():
		r.removePending(reqID)
		return nil, ctx.Err()
	}
}

// HandleFrame feeds one inbound frame from the peer's read loop into the
// router. Frames without a matching pending slot (unknown id, or a slot
// already resolved/timed out) are logged by the caller and dropped here by
// returning a descriptive error the caller may choose to log and ignore.
func (r *Router) HandleFrame(data []byte) error {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("callback router: malformed frame: %w", err)
	}
	if resp.ID == "" {
		return fmt.Errorf("callback router: frame missing id")
	}

	r.mu.Lock()
	s, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("callback router: no pending callback for id %s", resp.ID)
	}
	if s.state != slotIssued {
		return fmt.Errorf("callback router: late frame for already-resolved id %s", resp.ID)
	}
	s.state = slotResolved
	s.ch <- resp
	return nil
}

// Close cancels every pending callback with a peer-closed error, matching
// "session close cancels pending callbacks" from spec.md §5.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.pending {
		if s.state != slotIssued {
			continue
		}
		s.state = slotTimedOut
		s.ch <- rpcResponse{ID: id, Error: &rpcErrorObject{Code: -1, Message: "callback peer closed"}}
	}
	r.pending = make(map[string]*slot)
}

func (r *Router) removePending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Router) expirePending(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.pending[id]; ok {
		s.state = slotTimedOut
		delete(r.pending, id)
	}
}
