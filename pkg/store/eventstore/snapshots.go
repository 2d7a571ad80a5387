package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/rehydrate"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	data TEXT NOT NULL,
	taken_at TEXT NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id, version)
);
`

// SnapshotStore persists rehydration snapshots next to the event table.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore wraps an open database handle. Call Init before first use.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Init creates the snapshot schema.
func (s *SnapshotStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("eventstore: init snapshot schema: %w", err)
	}
	return nil
}

// Save implements rehydrate.SnapshotStore. Saving the same version twice
// overwrites; snapshots are derived data, the event stream stays the truth.
func (s *SnapshotStore) Save(ctx context.Context, snap *rehydrate.Snapshot) error {
	raw, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("eventstore: marshal snapshot data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE aggregate_type = $1 AND aggregate_id = $2 AND version = $3`,
		string(snap.AggregateType), snap.AggregateID, snap.Version)
	if err != nil {
		return fmt.Errorf("eventstore: replace snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_type, aggregate_id, version, data, taken_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(snap.AggregateType), snap.AggregateID, snap.Version,
		string(raw), snap.TakenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("eventstore: save snapshot: %w", err)
	}
	return nil
}

// Nearest implements rehydrate.SnapshotStore.
func (s *SnapshotStore) Nearest(ctx context.Context, at event.AggregateType, id string, maxVersion uint64) (*rehydrate.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, data, taken_at
		FROM snapshots
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND ($3 = 0 OR version <= $3)
		ORDER BY version DESC LIMIT 1`,
		string(at), id, maxVersion)

	var (
		version uint64
		raw     string
		takenAt string
	)
	if err := row.Scan(&version, &raw, &takenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, rehydrate.ErrNoSnapshot
		}
		return nil, fmt.Errorf("eventstore: read snapshot: %w", err)
	}

	snap := &rehydrate.Snapshot{
		AggregateType: at,
		AggregateID:   id,
		Version:       version,
	}
	if err := json.Unmarshal([]byte(raw), &snap.Data); err != nil {
		return nil, fmt.Errorf("eventstore: unmarshal snapshot data: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return nil, fmt.Errorf("eventstore: parse snapshot timestamp %q: %w", takenAt, err)
	}
	snap.TakenAt = ts
	return snap, nil
}
