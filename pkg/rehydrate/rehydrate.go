// Package rehydrate rebuilds an aggregate's current state by folding its
// event stream through registered per-type reducers, optionally starting
// from the nearest prior snapshot. Replaying the same event prefix always
// yields the same state.
package rehydrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

// Reducer folds one event's payload into the running state. Reducers must be
// pure: no I/O, no clock reads, state in, state out.
type Reducer func(state map[string]any, e *event.Event) (map[string]any, error)

// Registry maps event type strings to reducers, validated at registration.
// Event types with no reducer are a recoverable no-op fold, preserving
// forward compatibility with producers the consumer does not know yet.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{reducers: make(map[string]Reducer)}
}

// Register binds a reducer to an event type. Duplicate registrations and nil
// reducers are rejected.
func (r *Registry) Register(eventType string, fn Reducer) error {
	if eventType == "" {
		return errors.New("rehydrate: empty event type")
	}
	if fn == nil {
		return fmt.Errorf("rehydrate: nil reducer for %q", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.reducers[eventType]; exists {
		return fmt.Errorf("rehydrate: reducer already registered for %q", eventType)
	}
	r.reducers[eventType] = fn
	return nil
}

// Reducer returns the reducer for an event type, if any.
func (r *Registry) Reducer(eventType string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.reducers[eventType]
	return fn, ok
}

// State is the current-state projection of one aggregate.
type State struct {
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	Version       uint64              `json:"version"`
	Data          map[string]any      `json:"data"`
	AsOf          time.Time           `json:"as_of"`
}

// Snapshot is a persisted projection at a fixed version, used to shortcut
// replay of long streams.
type Snapshot struct {
	AggregateType event.AggregateType `json:"aggregate_type"`
	AggregateID   string              `json:"aggregate_id"`
	Version       uint64              `json:"version"`
	Data          map[string]any      `json:"data"`
	TakenAt       time.Time           `json:"taken_at"`
}

// ErrNoSnapshot is returned by SnapshotStore.Nearest when no usable snapshot
// exists.
var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore persists and retrieves snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Nearest returns the snapshot with the highest version not exceeding
	// maxVersion (zero maxVersion means no bound), or ErrNoSnapshot.
	Nearest(ctx context.Context, at event.AggregateType, id string, maxVersion uint64) (*Snapshot, error)
}

// Rehydrator replays aggregate streams into projections.
type Rehydrator struct {
	log       eventlog.Log
	registry  *Registry
	snapshots SnapshotStore
	logger    *slog.Logger
}

// New creates a rehydrator over the given log and reducer registry.
func New(log eventlog.Log, registry *Registry) *Rehydrator {
	return &Rehydrator{
		log:      log,
		registry: registry,
		logger:   slog.Default().With("component", "rehydrate"),
	}
}

// WithSnapshots enables snapshot-assisted replay.
func (r *Rehydrator) WithSnapshots(store SnapshotStore) *Rehydrator {
	r.snapshots = store
	return r
}

// Rehydrate folds the aggregate's events up to asOfVersion (zero means the
// full stream) into a State. Returns eventlog.ErrNotFound when the aggregate
// has no events at all.
func (r *Rehydrator) Rehydrate(ctx context.Context, at event.AggregateType, id string, asOfVersion uint64) (*State, error) {
	state := &State{
		AggregateType: at,
		AggregateID:   id,
		Data:          make(map[string]any),
	}
	fromVersion := uint64(1)

	if r.snapshots != nil {
		snap, err := r.snapshots.Nearest(ctx, at, id, asOfVersion)
		switch {
		case err == nil:
			data, cerr := cloneData(snap.Data)
			if cerr != nil {
				return nil, cerr
			}
			state.Data = data
			state.Version = snap.Version
			state.AsOf = snap.TakenAt
			fromVersion = snap.Version + 1
		case errors.Is(err, ErrNoSnapshot):
			// fall through to full replay
		default:
			return nil, err
		}
	}

	events, err := r.log.GetByAggregate(ctx, at, id, eventlog.Query{
		FromVersion: fromVersion,
		ToVersion:   asOfVersion,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && state.Version == 0 {
		return nil, eventlog.ErrNotFound
	}

	for _, e := range events {
		fn, ok := r.registry.Reducer(e.Type)
		if !ok {
			r.logger.Debug("no reducer for event type, skipping",
				"event_type", e.Type, "aggregate_id", id)
			state.Version = e.AggregateVersion
			state.AsOf = e.Timestamp
			continue
		}
		next, err := fn(state.Data, e)
		if err != nil {
			return nil, fmt.Errorf("rehydrate %s/%s at version %d: %w", at, id, e.AggregateVersion, err)
		}
		state.Data = next
		state.Version = e.AggregateVersion
		state.AsOf = e.Timestamp
	}
	return state, nil
}

// Snapshot rehydrates the aggregate and persists the result as a snapshot.
func (r *Rehydrator) Snapshot(ctx context.Context, at event.AggregateType, id string) (*Snapshot, error) {
	if r.snapshots == nil {
		return nil, errors.New("rehydrate: no snapshot store configured")
	}
	state, err := r.Rehydrate(ctx, at, id, 0)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		AggregateType: at,
		AggregateID:   id,
		Version:       state.Version,
		Data:          state.Data,
		TakenAt:       state.AsOf,
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func cloneData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return make(map[string]any), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("rehydrate: clone snapshot data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("rehydrate: clone snapshot data: %w", err)
	}
	return out, nil
}

// MemorySnapshotStore is the in-memory SnapshotStore used for testing.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string][]*Snapshot
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]*Snapshot)}
}

func snapshotKey(at event.AggregateType, id string) string {
	return string(at) + "/" + id
}

// Save implements SnapshotStore.
func (s *MemorySnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapshotKey(snap.AggregateType, snap.AggregateID)
	s.snaps[key] = append(s.snaps[key], snap)
	return nil
}

// Nearest implements SnapshotStore.
func (s *MemorySnapshotStore) Nearest(ctx context.Context, at event.AggregateType, id string, maxVersion uint64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Snapshot
	for _, snap := range s.snaps[snapshotKey(at, id)] {
		if maxVersion != 0 && snap.Version > maxVersion {
			continue
		}
		if best == nil || snap.Version > best.Version {
			best = snap
		}
	}
	if best == nil {
		return nil, ErrNoSnapshot
	}
	return best, nil
}
