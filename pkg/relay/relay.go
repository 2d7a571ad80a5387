// Package relay bridges the event log's subscription stream onto Redis
// pub/sub, one channel per aggregate type plus a firehose channel, for the
// collaborators that live outside this process (projections, narrative
// logging).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/covenantlabs/covenant/pkg/event"
	"github.com/covenantlabs/covenant/pkg/eventlog"
)

// DefaultChannelPrefix is the channel namespace used unless overridden.
const DefaultChannelPrefix = "covenant.events"

// Publisher abstracts the pub/sub sink so the relay is testable without a
// live Redis.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes to Redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects a publisher to the given Redis instance.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", channel, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Relay consumes one subscription and republishes every event. A failed
// publish is logged and skipped; the relay never blocks the log and never
// stops on a sink hiccup.
type Relay struct {
	log    eventlog.Log
	pub    Publisher
	prefix string
	logger *slog.Logger
}

// New creates a relay over the given log and sink.
func New(log eventlog.Log, pub Publisher) *Relay {
	return &Relay{
		log:    log,
		pub:    pub,
		prefix: DefaultChannelPrefix,
		logger: slog.Default().With("component", "relay"),
	}
}

// WithChannelPrefix overrides the channel namespace.
func (r *Relay) WithChannelPrefix(prefix string) *Relay {
	r.prefix = prefix
	return r
}

// Run subscribes and pumps events until the context is canceled or the
// subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.log.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	defer sub.Close()

	r.logger.Info("relay started", "prefix", r.prefix)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-sub.Events():
			r.forward(ctx, e)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e *event.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("event not serializable, dropping", "sequence", e.Sequence, "error", err)
		return
	}
	for _, channel := range []string{
		r.prefix + ".all",
		r.prefix + "." + strings.ToLower(string(e.AggregateType)),
	} {
		if err := r.pub.Publish(ctx, channel, payload); err != nil {
			r.logger.Warn("publish failed, skipping",
				"channel", channel, "sequence", e.Sequence, "error", err)
		}
	}
}
