// Package eventlog defines the append/read/subscribe/verify contract of the
// ledger and provides an in-memory implementation. The log is the sole owner
// of sequence assignment and hashing: no other component may assign either.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/covenantlabs/covenant/pkg/event"
)

// ErrNotFound is returned by read operations against nonexistent ids or
// empty aggregates.
var ErrNotFound = errors.New("event not found")

// ConflictError rejects an append whose aggregate version is not exactly
// one past the latest stored version. Callers recover by re-reading current
// state and retrying; the version is never silently coerced.
type ConflictError struct {
	AggregateType event.AggregateType
	AggregateID   string
	Supplied      uint64
	Expected      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s/%s: supplied version %d, expected %d",
		e.AggregateType, e.AggregateID, e.Supplied, e.Expected)
}

// Query filters an aggregate's event stream by version or timestamp range.
// Zero values leave a bound open. Bounds are inclusive.
type Query struct {
	FromVersion uint64
	ToVersion   uint64
	FromTime    time.Time
	ToTime      time.Time
}

// Matches reports whether the event falls inside the query's bounds.
func (q Query) Matches(e *event.Event) bool {
	if q.FromVersion != 0 && e.AggregateVersion < q.FromVersion {
		return false
	}
	if q.ToVersion != 0 && e.AggregateVersion > q.ToVersion {
		return false
	}
	if !q.FromTime.IsZero() && e.Timestamp.Before(q.FromTime) {
		return false
	}
	if !q.ToTime.IsZero() && e.Timestamp.After(q.ToTime) {
		return false
	}
	return true
}

// IntegrityReport is the result of verifying a sequence range of the chain.
// A false Valid is fatal to trust in the affected range and must be surfaced
// loudly by callers.
type IntegrityReport struct {
	Valid       bool   `json:"valid"`
	CheckedFrom uint64 `json:"checked_from"`
	CheckedTo   uint64 `json:"checked_to"`
	BrokenAt    uint64 `json:"broken_at,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Health reports liveness and latency of the backing storage.
type Health struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
	Events  uint64        `json:"events"`
}

// Log is the persistence contract of the ledger. Implementations must
// serialize sequence assignment plus hashing in a single critical section;
// reads proceed in parallel.
type Log interface {
	// Append validates the draft, re-checks aggregate version monotonicity
	// atomically with sequence assignment, hashes, persists, and notifies
	// subscribers in append order. Returns the fully populated event or a
	// *ConflictError.
	Append(ctx context.Context, draft event.Draft) (*event.Event, error)

	// GetByAggregate returns one aggregate's events ordered by version,
	// filtered by q. The result is restartable: re-issuing the same query
	// yields the same prefix.
	GetByAggregate(ctx context.Context, at event.AggregateType, id string, q Query) ([]*event.Event, error)

	// GetBySequence returns events with sequence in [from, to], ordered.
	// A zero 'to' means the current tail.
	GetBySequence(ctx context.Context, from, to uint64) ([]*event.Event, error)

	// GetByID returns the event with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*event.Event, error)

	// GetLatest returns the aggregate's newest event, or ErrNotFound.
	GetLatest(ctx context.Context, at event.AggregateType, id string) (*event.Event, error)

	// Subscribe returns a live stream of every event appended from now on.
	// Each subscriber sees every event, independently paced. The caller
	// must Close the subscription to release its buffer.
	Subscribe(ctx context.Context) (*Subscription, error)

	// VerifyIntegrity recomputes hashes across [from, to] (zero bounds mean
	// the whole log) and reports the first break, if any.
	VerifyIntegrity(ctx context.Context, from, to uint64) (*IntegrityReport, error)

	// HealthCheck probes the backing storage.
	HealthCheck(ctx context.Context) (*Health, error)
}
