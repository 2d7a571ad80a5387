package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/crypto"
	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/hashchain"
)

// MemoryLog is the in-memory Log used for testing and embedded setups.
// Append is serialized under one mutex spanning read-tail, version recheck,
// sequence assignment, hashing, and persist; reads take the read lock.
type MemoryLog struct {
	mu          sync.RWMutex
	events      []*event.Event
	byID        map[string]*event.Event
	byAggregate map[string][]*event.Event
	latest      map[string]uint64

	chain  *hashchain.Chain
	signer crypto.Signer
	clock  func() time.Time
	hub    *Hub
	logger *slog.Logger
}

// NewMemoryLog creates an empty log with SHA-256 hashing and default fan-out.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byID:        make(map[string]*event.Event),
		byAggregate: make(map[string][]*event.Event),
		latest:      make(map[string]uint64),
		chain:       hashchain.Default(),
		clock:       time.Now,
		hub:         NewHub(0, 0, PolicyBlock),
		logger:      slog.Default().With("component", "eventlog"),
	}
}

// WithClock overrides clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

// WithChain overrides the digest algorithm.
func (l *MemoryLog) WithChain(c *hashchain.Chain) *MemoryLog {
	l.chain = c
	return l
}

// WithSigner enables Ed25519 signing of appended events.
func (l *MemoryLog) WithSigner(s crypto.Signer) *MemoryLog {
	l.signer = s
	return l
}

// WithHub replaces the fan-out hub (buffer sizes, drop policy).
func (l *MemoryLog) WithHub(h *Hub) *MemoryLog {
	l.hub = h
	return l
}

func aggregateKey(at event.AggregateType, id string) string {
	return string(at) + "/" + id
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, draft event.Draft) (*event.Event, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	key := aggregateKey(draft.AggregateType, draft.AggregateID)
	latest := l.latest[key]
	if draft.AggregateVersion != latest+1 {
		l.mu.Unlock()
		return nil, &ConflictError{
			AggregateType: draft.AggregateType,
			AggregateID:   draft.AggregateID,
			Supplied:      draft.AggregateVersion,
			Expected:      latest + 1,
		}
	}

	ts := draft.Timestamp
	if ts.IsZero() {
		ts = l.clock().UTC()
	}
	previous := hashchain.Genesis
	if n := len(l.events); n > 0 {
		previous = l.events[n-1].Hash
	}

	e := &event.Event{
		ID:               uuid.NewString(),
		Sequence:         uint64(len(l.events)) + 1,
		Timestamp:        ts,
		Type:             draft.Type,
		AggregateType:    draft.AggregateType,
		AggregateID:      draft.AggregateID,
		AggregateVersion: draft.AggregateVersion,
		Payload:          draft.Payload,
		Causation:        draft.Causation,
		Actor:            draft.Actor,
		PreviousHash:     previous,
	}
	hash, err := l.chain.ComputeHash(e, previous)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	e.Hash = hash
	if l.signer != nil {
		sig, err := l.signer.Sign([]byte(hash))
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		e.Signature = sig
	}

	l.events = append(l.events, e)
	l.byID[e.ID] = e
	l.byAggregate[key] = append(l.byAggregate[key], e)
	l.latest[key] = e.AggregateVersion

	// Publish inside the critical section so subscribers observe strict
	// append order; the hub's bounded queue is the backpressure point.
	l.hub.Publish(e)
	l.mu.Unlock()

	return e, nil
}

// GetByAggregate implements Log.
func (l *MemoryLog) GetByAggregate(ctx context.Context, at event.AggregateType, id string, q Query) ([]*event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream := l.byAggregate[aggregateKey(at, id)]
	result := make([]*event.Event, 0, len(stream))
	for _, e := range stream {
		if q.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetBySequence implements Log.
func (l *MemoryLog) GetBySequence(ctx context.Context, from, to uint64) ([]*event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	last := uint64(len(l.events))
	if from == 0 {
		from = 1
	}
	if to == 0 || to > last {
		to = last
	}
	if from > to {
		return []*event.Event{}, nil
	}
	result := make([]*event.Event, to-from+1)
	copy(result, l.events[from-1:to])
	return result, nil
}

// GetByID implements Log.
func (l *MemoryLog) GetByID(ctx context.Context, id string) (*event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// GetLatest implements Log.
func (l *MemoryLog) GetLatest(ctx context.Context, at event.AggregateType, id string) (*event.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream := l.byAggregate[aggregateKey(at, id)]
	if len(stream) == 0 {
		return nil, ErrNotFound
	}
	return stream[len(stream)-1], nil
}

// Subscribe implements Log.
func (l *MemoryLog) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.Subscribe(), nil
}

// VerifyIntegrity implements Log.
func (l *MemoryLog) VerifyIntegrity(ctx context.Context, from, to uint64) (*IntegrityReport, error) {
	l.mu.RLock()
	last := uint64(len(l.events))
	l.mu.RUnlock()

	verifierKey := ""
	if l.signer != nil {
		verifierKey = l.signer.PublicKey()
	}
	report, err := VerifyRange(ctx, l.GetBySequence, last, from, to, verifierKey)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		l.logger.Error("hash chain integrity failure",
			"broken_at", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}

// HealthCheck implements Log.
func (l *MemoryLog) HealthCheck(ctx context.Context) (*Health, error) {
	start := time.Now()
	l.mu.RLock()
	count := uint64(len(l.events))
	l.mu.RUnlock()
	return &Health{Status: "ok", Latency: time.Since(start), Events: count}, nil
}

// Close stops fan-out. Open subscriptions stop receiving.
func (l *MemoryLog) Close() {
	l.hub.Close()
}
