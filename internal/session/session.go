// Package session defines the session-scoped lifecycle that lets multiple
// concurrent callers each hold their own independent CodeMode aggregator
// (spec.md §3, §6's "session-scoped service" layer).
package session

import (
	"context"
	"errors"
	"time"

	"github.com/codemode-dev/codemode/internal/codemode"
)

// Status is a session's lifecycle state.
type Status string

const (
	// StatusActive indicates the session accepts registration/execute calls.
	StatusActive Status = "active"
	// StatusEnded is terminal: the session's aggregator has been closed and
	// must not accept further calls.
	StatusEnded Status = "ended"
)

var (
	// ErrSessionNotFound indicates the id names no known session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates the id names a session that already ended.
	ErrSessionEnded = errors.New("session ended")
)

// Session pairs a durable identifier with its own CodeMode aggregator —
// spec.md §3's `{ id, aggregator, callback_peer? }`. The callback peer
// itself is not a Session field here: it is bound directly onto the
// aggregator via CodeMode.BindPeer/UnbindPeer, so a Session is exactly the
// "id + aggregator" pair plus the lifecycle bookkeeping around it.
//
// Unlike the teacher's session.Session (an immutable value snapshot copied
// out of its Store on every read), a Session's Aggregator is a live,
// mutable object callers register capabilities into and execute code
// against — Store hands back the same pointer on every LoadSession, by
// design: there is no "current state" to drift out of sync with.
type Session struct {
	ID         string
	Aggregator *codemode.CodeMode
	Status     Status
	CreatedAt  time.Time
	EndedAt    *time.Time
}

// Factory constructs a fresh, empty aggregator for a newly created session.
type Factory func() *codemode.CodeMode

// Store manages session lifecycle: creation, lookup, and termination.
// Sessions are in-memory only for the lifetime of one process — spec.md's
// Non-goals rule out persisting execution state between runs, and a
// session's only state beyond its aggregator's own live connections is
// this lifecycle bookkeeping, so no durable Store implementation is
// provided (see DESIGN.md).
type Store interface {
	// CreateSession creates (or, if already active, idempotently returns) a
	// session. Returns ErrSessionEnded if id names an already-ended session.
	CreateSession(ctx context.Context, id string, createdAt time.Time) (*Session, error)
	// LoadSession loads an existing session. Returns ErrSessionNotFound if
	// id is unknown.
	LoadSession(ctx context.Context, id string) (*Session, error)
	// EndSession ends a session: closes its aggregator's remote server
	// connections and cancels any callbacks in flight, then marks it
	// terminal. Idempotent — ending an already-ended session is a no-op
	// that returns the stored session.
	EndSession(ctx context.Context, id string, endedAt time.Time) (*Session, error)
}
