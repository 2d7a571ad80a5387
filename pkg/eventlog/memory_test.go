package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/covenantlabs/covenant/pkg/crypto"
	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/hashchain"
)

func draftFor(id string, version uint64) event.Draft {
	return event.Draft{
		Type:             "AssetRegistered",
		AggregateType:    event.AggregateAsset,
		AggregateID:      id,
		AggregateVersion: version,
		Payload:          map[string]any{"version": version},
		Actor:            event.SystemActor(),
	}
}

func TestAppendAssignsSequenceAndChain(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	e1, err := l.Append(ctx, draftFor("asset-1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if e1.Sequence != 1 {
		t.Fatalf("first event must have sequence 1, got %d", e1.Sequence)
	}
	if e1.PreviousHash != hashchain.Genesis {
		t.Fatalf("first event must link to genesis, got %s", e1.PreviousHash)
	}
	if e1.ID == "" || e1.Hash == "" {
		t.Fatal("append must populate id and hash")
	}

	e2, err := l.Append(ctx, draftFor("asset-2", 1))
	if err != nil {
		t.Fatal(err)
	}
	if e2.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", e2.Sequence)
	}
	if e2.PreviousHash != e1.Hash {
		t.Fatal("chain must link across aggregates, not per aggregate")
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	if _, err := l.Append(ctx, draftFor("asset-x", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(ctx, draftFor("asset-x", 2)); err != nil {
		t.Fatal(err)
	}

	// Replaying version 2 must conflict.
	_, err := l.Append(ctx, draftFor("asset-x", 2))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Expected != 3 || conflict.Supplied != 2 {
		t.Fatalf("conflict should name expected 3 / supplied 2, got %+v", conflict)
	}

	// Skipping to version 4 must conflict too.
	if _, err := l.Append(ctx, draftFor("asset-x", 4)); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for version gap, got %v", err)
	}

	// The failed appends must not have advanced anything.
	if _, err := l.Append(ctx, draftFor("asset-x", 3)); err != nil {
		t.Fatalf("version 3 should still be the next version: %v", err)
	}
}

func TestSequenceGaplessUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := string(rune('a' + w))
			for v := uint64(1); v <= perWriter; v++ {
				if _, err := l.Append(ctx, draftFor("asset-"+id, v)); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	events, err := l.GetBySequence(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
	for i, e := range events {
		if e.Sequence != uint64(i)+1 {
			t.Fatalf("sequence must be gapless: position %d has sequence %d", i, e.Sequence)
		}
	}
	report, err := l.VerifyIntegrity(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("chain must verify after concurrent appends: %+v", report)
	}
}

func TestGetByAggregateFilters(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for v := uint64(1); v <= 5; v++ {
		d := draftFor("asset-q", v)
		d.Timestamp = base.Add(time.Duration(v) * time.Hour)
		if _, err := l.Append(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.GetByAggregate(ctx, event.AggregateAsset, "asset-q", Query{FromVersion: 2, ToVersion: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].AggregateVersion != 2 || got[2].AggregateVersion != 4 {
		t.Fatalf("version filter wrong: %d events", len(got))
	}

	got, err = l.GetByAggregate(ctx, event.AggregateAsset, "asset-q", Query{FromTime: base.Add(4 * time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("time filter wrong: %d events", len(got))
	}

	// Same query again yields the same result (restartable).
	again, _ := l.GetByAggregate(ctx, event.AggregateAsset, "asset-q", Query{FromTime: base.Add(4 * time.Hour)})
	if len(again) != len(got) {
		t.Fatal("query must be restartable")
	}
}

func TestGetByIDAndLatest(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	e1, _ := l.Append(ctx, draftFor("asset-r", 1))
	e2, _ := l.Append(ctx, draftFor("asset-r", 2))

	got, err := l.GetByID(ctx, e1.ID)
	if err != nil || got.Sequence != e1.Sequence {
		t.Fatalf("GetByID mismatch: %v", err)
	}
	if _, err := l.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	latest, err := l.GetLatest(ctx, event.AggregateAsset, "asset-r")
	if err != nil || latest.ID != e2.ID {
		t.Fatalf("GetLatest mismatch: %v", err)
	}
	if _, err := l.GetLatest(ctx, event.AggregateAsset, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	for v := uint64(1); v <= 4; v++ {
		if _, err := l.Append(ctx, draftFor("asset-t", v)); err != nil {
			t.Fatal(err)
		}
	}

	// Mutate a stored event's payload without recomputing its hash.
	events, _ := l.GetBySequence(ctx, 2, 2)
	events[0].Payload["version"] = uint64(99)

	report, err := l.VerifyIntegrity(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("tampering must be detected")
	}
	if report.BrokenAt != 2 {
		t.Fatalf("detection should start at the tampered position 2, got %d", report.BrokenAt)
	}
}

func TestVerifyIntegritySubrange(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	for v := uint64(1); v <= 10; v++ {
		if _, err := l.Append(ctx, draftFor("asset-v", v)); err != nil {
			t.Fatal(err)
		}
	}
	report, err := l.VerifyIntegrity(ctx, 4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.CheckedFrom != 4 || report.CheckedTo != 8 {
		t.Fatalf("subrange verification failed: %+v", report)
	}
}

func TestSignedAppendsVerify(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewEd25519Signer("ledger-key")
	if err != nil {
		t.Fatal(err)
	}
	l := NewMemoryLog().WithSigner(signer)
	defer l.Close()

	e, err := l.Append(ctx, draftFor("asset-s", 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Signature == "" {
		t.Fatal("signer configured, signature expected")
	}

	report, err := l.VerifyIntegrity(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("signed chain must verify: %+v", report)
	}

	// Forge the signature; verification must flag it.
	e.Signature = "00" + e.Signature[2:]
	report, err = l.VerifyIntegrity(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("forged signature must fail verification")
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	sub1, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sub1.Close()
	sub2, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sub2.Close()

	const n = 20
	for v := uint64(1); v <= n; v++ {
		if _, err := l.Append(ctx, draftFor("asset-sub", v)); err != nil {
			t.Fatal(err)
		}
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		for want := uint64(1); want <= n; want++ {
			select {
			case e := <-sub.Events():
				if e.Sequence != want {
					t.Fatalf("out of order delivery: want %d, got %d", want, e.Sequence)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for event %d", want)
			}
		}
	}
}

func TestSubscribeDropPolicy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog().WithHub(NewHub(256, 2, PolicyDrop))
	defer l.Close()

	sub, err := l.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for v := uint64(1); v <= 10; v++ {
		if _, err := l.Append(ctx, draftFor("asset-drop", v)); err != nil {
			t.Fatal(err)
		}
	}

	// Give the dispatcher time to overflow the 2-slot buffer.
	deadline := time.After(2 * time.Second)
	for sub.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops with a full 2-slot buffer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	sub, _ := l.Subscribe(ctx)
	if _, err := l.Append(ctx, draftFor("asset-c", 1)); err != nil {
		t.Fatal(err)
	}
	sub.Close()
	sub.Close() // idempotent

	// Appends after close must not block even with a full buffer.
	for v := uint64(2); v <= 100; v++ {
		if _, err := l.Append(ctx, draftFor("asset-c", v)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	if _, err := l.Append(ctx, draftFor("asset-h", 1)); err != nil {
		t.Fatal(err)
	}
	h, err := l.HealthCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Events != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
}

func TestEmptyLogVerifies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	report, err := l.VerifyIntegrity(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatal("empty log must be valid")
	}
}
