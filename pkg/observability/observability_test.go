package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	// None of these may panic or dial anything.
	p.RecordAppend(ctx, 5*time.Millisecond, nil)
	p.RecordAppend(ctx, 5*time.Millisecond, errors.New("boom"))
	_, span := p.StartSpan(ctx, "test")
	span.End()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNilConfigUsesDefaults(t *testing.T) {
	p, err := New(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.config.ServiceName != "covenantd" {
		t.Fatalf("expected default service name, got %q", p.config.ServiceName)
	}
	if p.config.Enabled {
		t.Fatal("defaults must not enable telemetry")
	}
}
