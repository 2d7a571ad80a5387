package realm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

// Manager derives realm boundaries from the event log. All mutation goes
// through appends; the maps below are a cache rebuilt from events.
type Manager struct {
	log    eventlog.Log
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	realms  map[string]*Realm
	members map[string]map[string]bool // realm id -> member entity ids
	homes   map[string]string          // entity id -> first realm it joined
}

// NewManager creates a manager over the given log. Call Rebuild (or
// Bootstrap) before serving reads so the cache reflects prior events.
func NewManager(log eventlog.Log) *Manager {
	return &Manager{
		log:     log,
		logger:  slog.Default().With("component", "realm"),
		clock:   time.Now,
		realms:  make(map[string]*Realm),
		members: make(map[string]map[string]bool),
		homes:   make(map[string]string),
	}
}

// WithClock overrides clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Rebuild replays the whole log and reconstructs the realm cache. Safe to
// call at any time; the log stays the source of truth.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.realms = make(map[string]*Realm)
	m.members = make(map[string]map[string]bool)
	m.homes = make(map[string]string)

	const page = 512
	from := uint64(1)
	for {
		events, err := m.log.GetBySequence(ctx, from, from+page-1)
		if err != nil {
			return fmt.Errorf("realm: rebuild cache: %w", err)
		}
		for _, e := range events {
			m.applyLocked(e)
		}
		if uint64(len(events)) < page {
			return nil
		}
		from += page
	}
}

// applyLocked folds one event into the cache. Caller holds the write lock.
func (m *Manager) applyLocked(e *event.Event) {
	if e.AggregateType != event.AggregateRealm {
		return
	}
	switch e.Type {
	case EventRealmCreated:
		r := &Realm{
			ID:            e.AggregateID,
			Name:          payloadString(e.Payload, "name"),
			CreatedAt:     e.Timestamp,
			EstablishedBy: payloadString(e.Payload, "established_by"),
			Config:        parseConfig(e.Payload["config"]),
		}
		m.realms[r.ID] = r
	case EventRealmMemberAdded:
		entityID := payloadString(e.Payload, "entity_id")
		if entityID == "" {
			return
		}
		if m.members[e.AggregateID] == nil {
			m.members[e.AggregateID] = make(map[string]bool)
		}
		m.members[e.AggregateID][entityID] = true
		if _, has := m.homes[entityID]; !has {
			m.homes[entityID] = e.AggregateID
		}
	}
}

// CreateRealm appends a RealmCreated event and returns the new realm. The
// establishing agreement must already exist in the log.
func (m *Manager) CreateRealm(ctx context.Context, name string, config IsolationConfig, establishingAgreementID string, actor event.Actor) (*Realm, error) {
	if name == "" {
		return nil, errors.New("realm: empty realm name")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if establishingAgreementID == "" {
		return nil, fmt.Errorf("realm: %w: no establishing agreement supplied", ErrAgreementNotFound)
	}
	if _, err := m.log.GetLatest(ctx, event.AggregateAgreement, establishingAgreementID); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return nil, fmt.Errorf("realm: %w: %s", ErrAgreementNotFound, establishingAgreementID)
		}
		return nil, err
	}
	if config.ParentRealmID != "" {
		if _, err := m.GetRealm(ctx, config.ParentRealmID); err != nil {
			return nil, fmt.Errorf("realm: parent: %w", err)
		}
	}

	id := "realm-" + uuid.NewString()
	e, err := m.log.Append(ctx, event.Draft{
		Type:             EventRealmCreated,
		AggregateType:    event.AggregateRealm,
		AggregateID:      id,
		AggregateVersion: 1,
		Payload: map[string]any{
			"name":           name,
			"established_by": establishingAgreementID,
			"config":         configPayload(config),
		},
		Actor: actor,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.applyLocked(e)
	r := m.realms[id]
	m.mu.Unlock()

	m.logger.Info("realm created", "realm_id", id, "name", name, "mode", config.Mode)
	return r, nil
}

// GetRealm returns the realm or ErrRealmNotFound. A cache miss falls back to
// the log, so a cold manager still answers correctly.
func (m *Manager) GetRealm(ctx context.Context, id string) (*Realm, error) {
	m.mu.RLock()
	r, ok := m.realms[id]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	events, err := m.log.GetByAggregate(ctx, event.AggregateRealm, id, eventlog.Query{})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRealmNotFound, id)
	}

	m.mu.Lock()
	for _, e := range events {
		m.applyLocked(e)
	}
	r = m.realms[id]
	m.mu.Unlock()

	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrRealmNotFound, id)
	}
	return r, nil
}

// AddMember records an entity as a member of the realm via an append against
// the realm's aggregate stream.
func (m *Manager) AddMember(ctx context.Context, realmID, entityID string, actor event.Actor) error {
	if entityID == "" {
		return errors.New("realm: empty entity id")
	}
	if _, err := m.GetRealm(ctx, realmID); err != nil {
		return err
	}
	latest, err := m.log.GetLatest(ctx, event.AggregateRealm, realmID)
	if err != nil {
		return err
	}

	e, err := m.log.Append(ctx, event.Draft{
		Type:             EventRealmMemberAdded,
		AggregateType:    event.AggregateRealm,
		AggregateID:      realmID,
		AggregateVersion: latest.AggregateVersion + 1,
		Payload:          map[string]any{"entity_id": entityID},
		Actor:            actor,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.applyLocked(e)
	m.mu.Unlock()
	return nil
}

// CanAccess reports whether the actor entity may operate inside the realm:
// the system actor always may, members may, and otherwise both the actor's
// home realm and the target must permit cross-realm interaction.
func (m *Manager) CanAccess(ctx context.Context, actorEntityID, realmID string) (bool, error) {
	if actorEntityID == SystemActorID {
		return true, nil
	}
	if _, err := m.GetRealm(ctx, realmID); err != nil {
		return false, err
	}

	m.mu.RLock()
	isMember := m.members[realmID][actorEntityID]
	home := m.homes[actorEntityID]
	m.mu.RUnlock()

	if isMember {
		return true, nil
	}
	if home == "" {
		return false, nil
	}
	if home == PrimordialRealmID {
		// The primordial realm is the one boundary with standing access
		// to everything.
		return true, nil
	}

	sourceCfg, err := m.GetRealmContext(ctx, home)
	if err != nil {
		return false, err
	}
	targetCfg, err := m.GetRealmContext(ctx, realmID)
	if err != nil {
		return false, err
	}
	return sourceCfg.CrossRealmAllowed && targetCfg.CrossRealmAllowed, nil
}

// GetRealmContext resolves the realm's effective isolation config. For
// hierarchical realms the parent chain is merged in; children only narrow.
func (m *Manager) GetRealmContext(ctx context.Context, realmID string) (*IsolationConfig, error) {
	return m.resolveContext(ctx, realmID, map[string]bool{})
}

func (m *Manager) resolveContext(ctx context.Context, realmID string, seen map[string]bool) (*IsolationConfig, error) {
	if seen[realmID] {
		return nil, fmt.Errorf("realm: hierarchy cycle through %s", realmID)
	}
	seen[realmID] = true

	r, err := m.GetRealm(ctx, realmID)
	if err != nil {
		return nil, err
	}
	cfg := r.Config
	if cfg.Mode != IsolationHierarchical || cfg.ParentRealmID == "" {
		return &cfg, nil
	}

	parent, err := m.resolveContext(ctx, cfg.ParentRealmID, seen)
	if err != nil {
		return nil, err
	}
	merged := IsolationConfig{
		Mode:                  cfg.Mode,
		CrossRealmAllowed:     cfg.CrossRealmAllowed && parent.CrossRealmAllowed,
		AllowedEntityTypes:    narrowTypes(parent.AllowedEntityTypes, cfg.AllowedEntityTypes),
		AllowedAgreementTypes: narrowTypes(parent.AllowedAgreementTypes, cfg.AllowedAgreementTypes),
		ParentRealmID:         cfg.ParentRealmID,
	}
	return &merged, nil
}

// narrowTypes merges allow-lists so a child can only restrict further. An
// empty list means "no restriction", so the other side wins; two non-empty
// lists intersect.
func narrowTypes(parent, child []string) []string {
	if len(parent) == 0 {
		return child
	}
	if len(child) == 0 {
		return parent
	}
	allowed := make(map[string]bool, len(parent))
	for _, t := range parent {
		allowed[t] = true
	}
	var out []string
	for _, t := range child {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}

// ValidateCrossRealmOperation decides whether an operation spanning two
// realms is permitted. Denials are structured results, not errors, so
// callers can surface the required agreement to the user.
func (m *Manager) ValidateCrossRealmOperation(ctx context.Context, sourceRealmID, targetRealmID string, op Operation) (*AccessDecision, error) {
	decision := &AccessDecision{
		SourceRealmID: sourceRealmID,
		TargetRealmID: targetRealmID,
		Operation:     op,
		DecidedAt:     m.clock().UTC(),
	}

	if sourceRealmID == targetRealmID {
		decision.Allowed = true
		return decision, nil
	}

	if _, err := m.GetRealm(ctx, sourceRealmID); err != nil {
		return nil, err
	}
	if _, err := m.GetRealm(ctx, targetRealmID); err != nil {
		return nil, err
	}

	if sourceRealmID != PrimordialRealmID {
		sourceCfg, err := m.GetRealmContext(ctx, sourceRealmID)
		if err != nil {
			return nil, err
		}
		targetCfg, err := m.GetRealmContext(ctx, targetRealmID)
		if err != nil {
			return nil, err
		}
		if !sourceCfg.CrossRealmAllowed || !targetCfg.CrossRealmAllowed {
			decision.Reason = "cross-realm operations are not permitted by both realms"
			decision.RequiredAgreement = "CrossRealmAccessAgreement"
			m.logDenial(decision)
			return decision, nil
		}
		if sourceCfg.Mode == IsolationHierarchical || targetCfg.Mode == IsolationHierarchical {
			related, err := m.areRelated(ctx, sourceRealmID, targetRealmID)
			if err != nil {
				return nil, err
			}
			if !related {
				decision.Reason = "hierarchical isolation only permits operations between ancestor and descendant realms"
				decision.RequiredAgreement = "CrossRealmAccessAgreement"
				m.logDenial(decision)
				return decision, nil
			}
		}
	}

	// Asset transfers need a dedicated transfer agreement even when both
	// realms otherwise allow cross-realm operations.
	if op.Type == OpAssetTransfer {
		if op.TransferAgreementID == "" {
			decision.Reason = "asset transfers across realms require a transfer agreement"
			decision.RequiredAgreement = "CrossRealmTransferAgreement"
			m.logDenial(decision)
			return decision, nil
		}
		if _, err := m.log.GetLatest(ctx, event.AggregateAgreement, op.TransferAgreementID); err != nil {
			if errors.Is(err, eventlog.ErrNotFound) {
				decision.Reason = fmt.Sprintf("transfer agreement %s does not exist", op.TransferAgreementID)
				decision.RequiredAgreement = "CrossRealmTransferAgreement"
				m.logDenial(decision)
				return decision, nil
			}
			return nil, err
		}
	}

	decision.Allowed = true
	return decision, nil
}

func (m *Manager) logDenial(d *AccessDecision) {
	m.logger.Info("cross-realm operation denied",
		"source_realm", d.SourceRealmID,
		"target_realm", d.TargetRealmID,
		"operation", d.Operation.Type,
		"reason", d.Reason)
}

// areRelated reports whether one realm is an ancestor of the other.
func (m *Manager) areRelated(ctx context.Context, a, b string) (bool, error) {
	ancestorOf := func(id, candidate string) (bool, error) {
		seen := map[string]bool{}
		current := candidate
		for current != "" && !seen[current] {
			seen[current] = true
			r, err := m.GetRealm(ctx, current)
			if err != nil {
				return false, err
			}
			if r.Config.ParentRealmID == id {
				return true, nil
			}
			current = r.Config.ParentRealmID
		}
		return false, nil
	}
	if ok, err := ancestorOf(a, b); err != nil || ok {
		return ok, err
	}
	return ancestorOf(b, a)
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// configPayload and parseConfig round-trip the config through JSON so the
// payload shape is identical whether the event came from memory or storage.
func configPayload(c IsolationConfig) map[string]any {
	raw, err := json.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func parseConfig(v any) IsolationConfig {
	var cfg IsolationConfig
	raw, err := json.Marshal(v)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}
