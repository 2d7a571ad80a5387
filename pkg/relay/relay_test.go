package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	fail     bool
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: make(map[string][][]byte)}
}

func (p *capturingPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("sink unavailable")
	}
	p.messages[channel] = append(p.messages[channel], payload)
	return nil
}

func (p *capturingPublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[channel])
}

func (p *capturingPublisher) last(channel string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRelayForwardsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := eventlog.NewMemoryLog()
	defer l.Close()
	pub := newCapturingPublisher()

	r := New(l, pub)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	_, err := l.Append(ctx, event.Draft{
		Type:             "PartyOnboarded",
		AggregateType:    event.AggregateParty,
		AggregateID:      "p-1",
		AggregateVersion: 1,
		Actor:            event.SystemActor(),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		return pub.count("covenant.events.all") == 1 && pub.count("covenant.events.party") == 1
	})

	var relayed event.Event
	if err := json.Unmarshal(pub.last("covenant.events.party"), &relayed); err != nil {
		t.Fatal(err)
	}
	if relayed.Type != "PartyOnboarded" || relayed.Sequence != 1 {
		t.Fatalf("unexpected relayed event: %+v", relayed)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}

func TestRelaySurvivesSinkFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := eventlog.NewMemoryLog()
	defer l.Close()
	pub := newCapturingPublisher()
	pub.fail = true

	r := New(l, pub).WithChannelPrefix("test.events")
	go func() { _ = r.Run(ctx) }()

	for i := uint64(1); i <= 2; i++ {
		_, err := l.Append(ctx, event.Draft{
			Type:             "AssetRegistered",
			AggregateType:    event.AggregateAsset,
			AggregateID:      "a-1",
			AggregateVersion: i,
			Actor:            event.SystemActor(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	// Sink recovers; later events flow again.
	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()

	_, err := l.Append(ctx, event.Draft{
		Type:             "AssetRegistered",
		AggregateType:    event.AggregateAsset,
		AggregateID:      "a-1",
		AggregateVersion: 3,
		Actor:            event.SystemActor(),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return pub.count("test.events.asset") >= 1 })
}
