package realm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

// Bootstrap establishes the fixed primordial identities: the genesis
// agreement, the primordial realm it legitimizes, and the system party as
// the realm's first member. Idempotent and safe to race: the losing caller's
// duplicate append fails the version check on the fixed aggregate id, which
// is treated as "already bootstrapped", never as a second primordial realm.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if latest, err := m.log.GetLatest(ctx, event.AggregateRealm, PrimordialRealmID); err == nil {
		m.logger.Debug("primordial realm already exists, skipping bootstrap")
		if latest.AggregateVersion < 2 {
			// Another caller is mid-bootstrap.
			if err := m.awaitBootstrap(ctx); err != nil {
				return err
			}
		}
		return m.Rebuild(ctx)
	} else if !errors.Is(err, eventlog.ErrNotFound) {
		return fmt.Errorf("realm: bootstrap probe: %w", err)
	}

	actor := event.SystemActor()

	appends := []event.Draft{
		{
			Type:             EventAgreementCreated,
			AggregateType:    event.AggregateAgreement,
			AggregateID:      GenesisAgreementID,
			AggregateVersion: 1,
			Payload: map[string]any{
				"title":   "Genesis Agreement",
				"purpose": "establishes the primordial realm and the system actor",
			},
			Actor: actor,
		},
		{
			Type:             EventRealmCreated,
			AggregateType:    event.AggregateRealm,
			AggregateID:      PrimordialRealmID,
			AggregateVersion: 1,
			Payload: map[string]any{
				"name":           "Primordial",
				"established_by": GenesisAgreementID,
				"config": configPayload(IsolationConfig{
					Mode:              IsolationFull,
					CrossRealmAllowed: true,
				}),
			},
			Actor: actor,
		},
		{
			Type:             EventPartyRegistered,
			AggregateType:    event.AggregateParty,
			AggregateID:      SystemActorID,
			AggregateVersion: 1,
			Payload: map[string]any{
				"name": "System",
				"kind": "system",
			},
			Actor: actor,
		},
		{
			Type:             EventRealmMemberAdded,
			AggregateType:    event.AggregateRealm,
			AggregateID:      PrimordialRealmID,
			AggregateVersion: 2,
			Payload:          map[string]any{"entity_id": SystemActorID},
			Actor:            actor,
		},
	}

	for _, draft := range appends {
		if _, err := m.log.Append(ctx, draft); err != nil {
			var conflict *eventlog.ConflictError
			if errors.As(err, &conflict) {
				// Lost a bootstrap race; the winner's appends are the
				// single source of these aggregates. Wait for its last
				// append so callers never observe a half-built realm.
				m.logger.Debug("bootstrap append lost race, treating as bootstrapped",
					"aggregate_id", conflict.AggregateID)
				if err := m.awaitBootstrap(ctx); err != nil {
					return err
				}
				return m.Rebuild(ctx)
			}
			return fmt.Errorf("realm: bootstrap append %s: %w", draft.Type, err)
		}
	}

	if err := m.Rebuild(ctx); err != nil {
		return err
	}
	m.logger.Info("realm bootstrap complete",
		"realm_id", PrimordialRealmID,
		"system_actor", SystemActorID,
		"genesis_agreement", GenesisAgreementID)
	return nil
}

// awaitBootstrap blocks until the winning bootstrapper's final append, the
// system party's realm membership at version 2, is visible.
func (m *Manager) awaitBootstrap(ctx context.Context) error {
	for {
		latest, err := m.log.GetLatest(ctx, event.AggregateRealm, PrimordialRealmID)
		if err == nil && latest.AggregateVersion >= 2 {
			return nil
		}
		if err != nil && !errors.Is(err, eventlog.ErrNotFound) {
			return fmt.Errorf("realm: await bootstrap: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
