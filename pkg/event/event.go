// Package event defines the immutable business-event model: the atomic fact
// recorded by the ledger, its aggregate classification, and the actor that
// produced it. Events are never mutated or deleted once appended.
package event

import (
	"errors"
	"fmt"
	"time"
)

// AggregateType classifies the entity an event belongs to.
type AggregateType string

const (
	AggregateParty     AggregateType = "Party"
	AggregateAsset     AggregateType = "Asset"
	AggregateAgreement AggregateType = "Agreement"
	AggregateRole      AggregateType = "Role"
	AggregateWorkflow  AggregateType = "Workflow"
	AggregateRealm     AggregateType = "Realm"
)

// IsValid reports whether t is one of the known aggregate types.
func (t AggregateType) IsValid() bool {
	switch t {
	case AggregateParty, AggregateAsset, AggregateAgreement, AggregateRole, AggregateWorkflow, AggregateRealm:
		return true
	}
	return false
}

// Causation references the command, correlation, or workflow instance that
// produced an event.
type Causation struct {
	CommandID          string `json:"command_id,omitempty"`
	CorrelationID      string `json:"correlation_id,omitempty"`
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`
}

// Event is an immutable fact in the ledger. Sequence, PreviousHash, Hash and
// Signature are assigned exclusively by the event log on append.
type Event struct {
	ID               string        `json:"id"`
	Sequence         uint64        `json:"sequence"`
	Timestamp        time.Time     `json:"timestamp"`
	Type             string        `json:"type"`
	AggregateType    AggregateType `json:"aggregate_type"`
	AggregateID      string        `json:"aggregate_id"`
	AggregateVersion uint64        `json:"aggregate_version"`
	Payload          map[string]any `json:"payload,omitempty"`
	Causation        *Causation    `json:"causation,omitempty"`
	Actor            Actor         `json:"actor"`
	PreviousHash     string        `json:"previous_hash"`
	Hash             string        `json:"hash"`
	Signature        string        `json:"signature,omitempty"`
}

// Draft is an unsequenced, unhashed event submitted to the log for appending.
// Timestamp is optional; the log assigns commit time when zero.
type Draft struct {
	Type             string
	AggregateType    AggregateType
	AggregateID      string
	AggregateVersion uint64
	Payload          map[string]any
	Actor            Actor
	Causation        *Causation
	Timestamp        time.Time
}

var (
	// ErrInvalidDraft is wrapped by all draft validation failures.
	ErrInvalidDraft = errors.New("invalid event draft")
)

// Validate checks the structural requirements the log enforces before an
// append is attempted. Aggregate version monotonicity is checked by the log
// itself, atomically with sequence assignment.
func (d *Draft) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("%w: empty event type", ErrInvalidDraft)
	}
	if !d.AggregateType.IsValid() {
		return fmt.Errorf("%w: unknown aggregate type %q", ErrInvalidDraft, d.AggregateType)
	}
	if d.AggregateID == "" {
		return fmt.Errorf("%w: empty aggregate id", ErrInvalidDraft)
	}
	if d.AggregateVersion == 0 {
		return fmt.Errorf("%w: aggregate version must be a positive integer", ErrInvalidDraft)
	}
	if err := d.Actor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	return nil
}
