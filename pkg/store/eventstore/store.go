// Package eventstore implements the durable, SQL-backed event log using
// database/sql. It supports both Postgres and SQLite via standard drivers
// and satisfies the same contract as the in-memory log, including the
// single append critical section.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/crypto"
	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
	"github.com/covenantlabs/covenant/pkg/hashchain"
	"github.com/covenantlabs/covenant/pkg/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	sequence BIGINT PRIMARY KEY,
	id TEXT UNIQUE NOT NULL,
	event_type TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	aggregate_version BIGINT NOT NULL,
	timestamp TEXT NOT NULL,
	actor TEXT NOT NULL,
	causation TEXT,
	payload TEXT,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT,
	UNIQUE (aggregate_type, aggregate_id, aggregate_version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate
	ON events (aggregate_type, aggregate_id, aggregate_version);
`

const eventColumns = `sequence, id, event_type, aggregate_type, aggregate_id, aggregate_version,
	timestamp, actor, causation, payload, previous_hash, hash, signature`

// Store is a SQL-backed eventlog.Log.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	chain  *hashchain.Chain
	signer crypto.Signer
	clock  func() time.Time
	hub    *eventlog.Hub
	obs    *observability.Provider
	logger *slog.Logger
}

// NewStore wraps an open database handle. Call Init before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		chain:  hashchain.Default(),
		clock:  time.Now,
		hub:    eventlog.NewHub(0, 0, eventlog.PolicyBlock),
		logger: slog.Default().With("component", "eventstore"),
	}
}

// WithClock overrides clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithChain overrides the digest algorithm.
func (s *Store) WithChain(c *hashchain.Chain) *Store {
	s.chain = c
	return s
}

// WithSigner enables Ed25519 signing of appended events.
func (s *Store) WithSigner(signer crypto.Signer) *Store {
	s.signer = signer
	return s
}

// WithHub replaces the fan-out hub.
func (s *Store) WithHub(h *eventlog.Hub) *Store {
	s.hub = h
	return s
}

// WithObservability enables append tracing and RED metrics.
func (s *Store) WithObservability(p *observability.Provider) *Store {
	s.obs = p
	return s
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("eventstore: init schema: %w", err)
	}
	return nil
}

// Append implements eventlog.Log. The transaction spans read-tail, version
// recheck, sequence assignment, hashing and insert; the process-level mutex
// keeps concurrent appends from observing the same tail, and the unique
// constraints are the cross-process backstop.
func (s *Store) Append(ctx context.Context, draft event.Draft) (*event.Event, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	e, err := s.append(ctx, draft)
	if s.obs != nil {
		s.obs.RecordAppend(ctx, time.Since(start), err)
	}
	return e, err
}

func (s *Store) append(ctx context.Context, draft event.Draft) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq uint64
	lastHash := hashchain.Genesis
	row := tx.QueryRowContext(ctx, `SELECT sequence, hash FROM events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&lastSeq, &lastHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("eventstore: read tail: %w", err)
	}

	var latestVersion uint64
	row = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		string(draft.AggregateType), draft.AggregateID)
	if err := row.Scan(&latestVersion); err != nil {
		return nil, fmt.Errorf("eventstore: read aggregate version: %w", err)
	}
	if draft.AggregateVersion != latestVersion+1 {
		return nil, &eventlog.ConflictError{
			AggregateType: draft.AggregateType,
			AggregateID:   draft.AggregateID,
			Supplied:      draft.AggregateVersion,
			Expected:      latestVersion + 1,
		}
	}

	ts := draft.Timestamp
	if ts.IsZero() {
		ts = s.clock().UTC()
	}
	e := &event.Event{
		ID:               uuid.NewString(),
		Sequence:         lastSeq + 1,
		Timestamp:        ts,
		Type:             draft.Type,
		AggregateType:    draft.AggregateType,
		AggregateID:      draft.AggregateID,
		AggregateVersion: draft.AggregateVersion,
		Payload:          draft.Payload,
		Causation:        draft.Causation,
		Actor:            draft.Actor,
		PreviousHash:     lastHash,
	}
	hash, err := s.chain.ComputeHash(e, lastHash)
	if err != nil {
		return nil, err
	}
	e.Hash = hash
	if s.signer != nil {
		sig, err := s.signer.Sign([]byte(hash))
		if err != nil {
			return nil, err
		}
		e.Signature = sig
	}

	actorJSON, err := json.Marshal(e.Actor)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal actor: %w", err)
	}
	var causationJSON, payloadJSON sql.NullString
	if e.Causation != nil {
		raw, err := json.Marshal(e.Causation)
		if err != nil {
			return nil, fmt.Errorf("eventstore: marshal causation: %w", err)
		}
		causationJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("eventstore: marshal payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(raw), Valid: true}
	}
	signature := sql.NullString{String: e.Signature, Valid: e.Signature != ""}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (sequence, id, event_type, aggregate_type, aggregate_id, aggregate_version,
			timestamp, actor, causation, payload, previous_hash, hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.Sequence, e.ID, e.Type, string(e.AggregateType), e.AggregateID, e.AggregateVersion,
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(actorJSON), causationJSON, payloadJSON,
		e.PreviousHash, e.Hash, signature)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a cross-process race on the aggregate version.
			return nil, &eventlog.ConflictError{
				AggregateType: draft.AggregateType,
				AggregateID:   draft.AggregateID,
				Supplied:      draft.AggregateVersion,
				Expected:      latestVersion + 2,
			}
		}
		return nil, fmt.Errorf("eventstore: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit append: %w", err)
	}

	s.hub.Publish(e)
	return e, nil
}

// GetByAggregate implements eventlog.Log. Version bounds filter in SQL;
// timestamp bounds filter after scanning, since RFC 3339 strings with mixed
// fractional precision do not order lexicographically.
func (s *Store) GetByAggregate(ctx context.Context, at event.AggregateType, id string, q eventlog.Query) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
			AND aggregate_version >= $3 AND ($4 = 0 OR aggregate_version <= $4)
		ORDER BY aggregate_version`,
		string(at), id, q.FromVersion, q.ToVersion)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query aggregate: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	filtered := events[:0]
	for _, e := range events {
		if q.Matches(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// GetBySequence implements eventlog.Log.
func (s *Store) GetBySequence(ctx context.Context, from, to uint64) ([]*event.Event, error) {
	if from == 0 {
		from = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE sequence >= $1 AND ($2 = 0 OR sequence <= $2)
		ORDER BY sequence`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query sequence range: %w", err)
	}
	return scanEvents(rows)
}

// GetByID implements eventlog.Log.
func (s *Store) GetByID(ctx context.Context, id string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.ErrNotFound
	}
	return e, err
}

// GetLatest implements eventlog.Log.
func (s *Store) GetLatest(ctx context.Context, at event.AggregateType, id string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY aggregate_version DESC LIMIT 1`,
		string(at), id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.ErrNotFound
	}
	return e, err
}

// Subscribe implements eventlog.Log.
func (s *Store) Subscribe(ctx context.Context) (*eventlog.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(), nil
}

// VerifyIntegrity implements eventlog.Log.
func (s *Store) VerifyIntegrity(ctx context.Context, from, to uint64) (*eventlog.IntegrityReport, error) {
	var last uint64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`)
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("eventstore: read tail sequence: %w", err)
	}
	verifierKey := ""
	if s.signer != nil {
		verifierKey = s.signer.PublicKey()
	}
	report, err := eventlog.VerifyRange(ctx, s.GetBySequence, last, from, to, verifierKey)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		s.logger.Error("hash chain integrity failure",
			"broken_at", report.BrokenAt, "reason", report.Reason)
	}
	return report, nil
}

// HealthCheck implements eventlog.Log.
func (s *Store) HealthCheck(ctx context.Context) (*eventlog.Health, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return &eventlog.Health{Status: "unreachable", Latency: time.Since(start)}, err
	}
	var count uint64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`)
	if err := row.Scan(&count); err != nil {
		return &eventlog.Health{Status: "degraded", Latency: time.Since(start)}, err
	}
	return &eventlog.Health{Status: "ok", Latency: time.Since(start), Events: count}, nil
}

// Close stops fan-out. The database handle is owned by the caller.
func (s *Store) Close() {
	s.hub.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (*event.Event, error) {
	var (
		e         event.Event
		at        string
		ts        string
		actorJSON string
		causation sql.NullString
		payload   sql.NullString
		signature sql.NullString
	)
	err := row.Scan(&e.Sequence, &e.ID, &e.Type, &at, &e.AggregateID, &e.AggregateVersion,
		&ts, &actorJSON, &causation, &payload, &e.PreviousHash, &e.Hash, &signature)
	if err != nil {
		return nil, err
	}
	e.AggregateType = event.AggregateType(at)
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("eventstore: parse timestamp %q: %w", ts, err)
	}
	if err := json.Unmarshal([]byte(actorJSON), &e.Actor); err != nil {
		return nil, fmt.Errorf("eventstore: unmarshal actor: %w", err)
	}
	if causation.Valid {
		var c event.Causation
		if err := json.Unmarshal([]byte(causation.String), &c); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal causation: %w", err)
		}
		e.Causation = &c
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal payload: %w", err)
		}
	}
	if signature.Valid {
		e.Signature = signature.String
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*event.Event, error) {
	defer func() { _ = rows.Close() }()
	result := make([]*event.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
