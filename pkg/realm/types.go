// Package realm provides tenant boundaries derived from the event log.
// A realm exists if and only if its RealmCreated event was appended; the
// manager's in-memory index is a rebuildable cache, never the truth.
package realm

import (
	"errors"
	"fmt"
	"time"
)

// Well-known bootstrap identities. Fixed across deployments so every audit
// trail starts from the same anchor.
const (
	PrimordialRealmID  = "realm-primordial"
	SystemActorID      = "party-system"
	GenesisAgreementID = "agreement-genesis"
)

// Event types appended by the manager.
const (
	EventRealmCreated     = "RealmCreated"
	EventRealmMemberAdded = "RealmMemberAdded"
	EventPartyRegistered  = "PartyRegistered"
	EventAgreementCreated = "AgreementCreated"
)

// IsolationMode determines how strictly a realm is fenced off.
type IsolationMode string

const (
	IsolationFull         IsolationMode = "full"
	IsolationShared       IsolationMode = "shared"
	IsolationHierarchical IsolationMode = "hierarchical"
)

// IsValid reports whether the mode is one of the defined modes.
func (m IsolationMode) IsValid() bool {
	switch m {
	case IsolationFull, IsolationShared, IsolationHierarchical:
		return true
	}
	return false
}

// IsolationConfig is a realm's isolation policy. In hierarchical mode the
// effective policy is the merge with the parent chain; children may narrow
// permissions but never widen them.
type IsolationConfig struct {
	Mode                  IsolationMode `json:"mode"`
	CrossRealmAllowed     bool          `json:"cross_realm_allowed"`
	AllowedEntityTypes    []string      `json:"allowed_entity_types,omitempty"`
	AllowedAgreementTypes []string      `json:"allowed_agreement_types,omitempty"`
	ParentRealmID         string        `json:"parent_realm_id,omitempty"`
}

// Validate checks structural consistency of the config.
func (c IsolationConfig) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("realm: %w: %q", errInvalidIsolationMode, c.Mode)
	}
	if c.Mode == IsolationHierarchical && c.ParentRealmID == "" {
		return errors.New("realm: hierarchical isolation requires a parent realm")
	}
	if c.Mode != IsolationHierarchical && c.ParentRealmID != "" {
		return fmt.Errorf("realm: parent realm set but mode is %q", c.Mode)
	}
	return nil
}

var errInvalidIsolationMode = errors.New("invalid isolation mode")

// Realm is a tenant boundary. EstablishedBy names the agreement that
// legitimizes it; realms are never created directly.
type Realm struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	CreatedAt     time.Time       `json:"created_at"`
	EstablishedBy string          `json:"established_by"`
	Config        IsolationConfig `json:"config"`
}

// OperationType classifies a cross-realm operation for validation.
type OperationType string

const (
	OpEntityReference    OperationType = "EntityReference"
	OpAgreementExecution OperationType = "AgreementExecution"
	OpAssetTransfer      OperationType = "AssetTransfer"
)

// Operation describes an intended cross-realm operation. TransferAgreementID
// names the agreement authorizing an asset transfer; it is required for
// OpAssetTransfer regardless of isolation mode.
type Operation struct {
	Type                OperationType `json:"type"`
	TransferAgreementID string        `json:"transfer_agreement_id,omitempty"`
}

// AccessDecision is the structured outcome of a cross-realm validation.
// Denials carry the reason and, when one would help, the kind of agreement
// that could authorize the operation.
type AccessDecision struct {
	Allowed           bool      `json:"allowed"`
	SourceRealmID     string    `json:"source_realm_id"`
	TargetRealmID     string    `json:"target_realm_id"`
	Operation         Operation `json:"operation"`
	Reason            string    `json:"reason,omitempty"`
	RequiredAgreement string    `json:"required_agreement,omitempty"`
	DecidedAt         time.Time `json:"decided_at"`
}

// Sentinel errors for read operations.
var (
	ErrRealmNotFound     = errors.New("realm not found")
	ErrAgreementNotFound = errors.New("agreement not found")
)
