package rehydrate

import (
	"context"
	"errors"
	"testing"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

func balanceReducers(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("AssetRegistered", func(state map[string]any, e *event.Event) (map[string]any, error) {
		state["name"] = e.Payload["name"]
		state["balance"] = float64(0)
		return state, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("AssetCredited", func(state map[string]any, e *event.Event) (map[string]any, error) {
		state["balance"] = asFloat(state["balance"]) + asFloat(e.Payload["amount"])
		return state, nil
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func seedAsset(t *testing.T, l eventlog.Log, id string, credits ...float64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.Append(ctx, event.Draft{
		Type:             "AssetRegistered",
		AggregateType:    event.AggregateAsset,
		AggregateID:      id,
		AggregateVersion: 1,
		Payload:          map[string]any{"name": "vault"},
		Actor:            event.SystemActor(),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, amount := range credits {
		_, err := l.Append(ctx, event.Draft{
			Type:             "AssetCredited",
			AggregateType:    event.AggregateAsset,
			AggregateID:      id,
			AggregateVersion: uint64(i) + 2,
			Payload:          map[string]any{"amount": amount},
			Actor:            event.SystemActor(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestRehydrateFoldsStream(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	defer l.Close()
	seedAsset(t, l, "asset-1", 10, 5, 2.5)

	r := New(l, balanceReducers(t))
	state, err := r.Rehydrate(ctx, event.AggregateAsset, "asset-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != 4 {
		t.Fatalf("expected version 4, got %d", state.Version)
	}
	if got := asFloat(state.Data["balance"]); got != 17.5 {
		t.Fatalf("expected balance 17.5, got %v", got)
	}
	if state.Data["name"] != "vault" {
		t.Fatalf("expected name vault, got %v", state.Data["name"])
	}
}

func TestRehydrateAsOfVersion(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	defer l.Close()
	seedAsset(t, l, "asset-2", 10, 5, 2.5)

	r := New(l, balanceReducers(t))
	state, err := r.Rehydrate(ctx, event.AggregateAsset, "asset-2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != 2 {
		t.Fatalf("expected version 2, got %d", state.Version)
	}
	if got := asFloat(state.Data["balance"]); got != 10 {
		t.Fatalf("expected balance 10, got %v", got)
	}
}

func TestRehydrateDeterministic(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	defer l.Close()
	seedAsset(t, l, "asset-3", 1, 2, 3)

	r := New(l, balanceReducers(t))
	s1, err := r.Rehydrate(ctx, event.AggregateAsset, "asset-3", 0)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := r.Rehydrate(ctx, event.AggregateAsset, "asset-3", 0)
	if err != nil {
		t.Fatal(err)
	}
	if asFloat(s1.Data["balance"]) != asFloat(s2.Data["balance"]) || s1.Version != s2.Version {
		t.Fatal("replaying the same prefix must yield the same state")
	}
}

func TestRehydrateUnknownEventTypeIsNoOp(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	defer l.Close()
	seedAsset(t, l, "asset-4", 10)

	// An event type no reducer knows about.
	_, err := l.Append(ctx, event.Draft{
		Type:             "AssetAudited",
		AggregateType:    event.AggregateAsset,
		AggregateID:      "asset-4",
		AggregateVersion: 3,
		Actor:            event.SystemActor(),
	})
	if err != nil {
		t.Fatal(err)
	}

	r := New(l, balanceReducers(t))
	state, err := r.Rehydrate(ctx, event.AggregateAsset, "asset-4", 0)
	if err != nil {
		t.Fatalf("unknown event types must not be fatal: %v", err)
	}
	if state.Version != 3 {
		t.Fatalf("unknown event still advances version, got %d", state.Version)
	}
	if got := asFloat(state.Data["balance"]); got != 10 {
		t.Fatalf("unknown event must not change state, got balance %v", got)
	}
}

func TestRehydrateMissingAggregate(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	defer l.Close()

	r := New(l, balanceReducers(t))
	_, err := r.Rehydrate(ctx, event.AggregateAsset, "ghost", 0)
	if !errors.Is(err, eventlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRehydrateFromSnapshot(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	defer l.Close()
	seedAsset(t, l, "asset-5", 10, 5)

	snaps := NewMemorySnapshotStore()
	r := New(l, balanceReducers(t)).WithSnapshots(snaps)

	snap, err := r.Snapshot(ctx, event.AggregateAsset, "asset-5")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 3 {
		t.Fatalf("expected snapshot at version 3, got %d", snap.Version)
	}

	// More events after the snapshot.
	_, err = l.Append(ctx, event.Draft{
		Type:             "AssetCredited",
		AggregateType:    event.AggregateAsset,
		AggregateID:      "asset-5",
		AggregateVersion: 4,
		Payload:          map[string]any{"amount": 7},
		Actor:            event.SystemActor(),
	})
	if err != nil {
		t.Fatal(err)
	}

	state, err := r.Rehydrate(ctx, event.AggregateAsset, "asset-5", 0)
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != 4 {
		t.Fatalf("expected version 4, got %d", state.Version)
	}
	if got := asFloat(state.Data["balance"]); got != 22 {
		t.Fatalf("expected balance 22 (15 snapshot + 7), got %v", got)
	}

	// Snapshot data must not be mutated by later rehydrations.
	stored, err := snaps.Nearest(ctx, event.AggregateAsset, "asset-5", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := asFloat(stored.Data["balance"]); got != 15 {
		t.Fatalf("snapshot must be immutable, got balance %v", got)
	}
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("", func(s map[string]any, e *event.Event) (map[string]any, error) { return s, nil }); err == nil {
		t.Fatal("empty event type must be rejected")
	}
	if err := reg.Register("X", nil); err == nil {
		t.Fatal("nil reducer must be rejected")
	}
	ok := func(s map[string]any, e *event.Event) (map[string]any, error) { return s, nil }
	if err := reg.Register("X", ok); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("X", ok); err == nil {
		t.Fatal("duplicate registration must be rejected")
	}
}
