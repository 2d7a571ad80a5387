package eventlog

import (
	"sync"
	"sync/atomic"

	"github.com/covenantlabs/covenant/pkg/event"
)

// Policy decides what happens when a subscriber's buffer is full.
type Policy string

const (
	// PolicyBlock applies backpressure: delivery to all later subscribers
	// and, transitively, the dispatch queue stalls until the slow consumer
	// drains. This is the production default.
	PolicyBlock Policy = "block"
	// PolicyDrop discards the event for that subscriber and counts it.
	PolicyDrop Policy = "drop"
)

const (
	defaultSubscriberBuffer = 64
	defaultDispatchQueue    = 1024
)

// Subscription is a live, in-order stream of appended events. Close releases
// the buffer; events published after Close are not delivered.
type Subscription struct {
	ch      chan *event.Event
	done    chan struct{}
	policy  Policy
	dropped atomic.Uint64
	hub     *Hub
	once    sync.Once
}

// Events returns the subscriber's channel. Events arrive strictly in append
// order.
func (s *Subscription) Events() <-chan *event.Event {
	return s.ch
}

// Dropped returns the number of events discarded under PolicyDrop.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

func (s *Subscription) deliver(e *event.Event) {
	if s.policy == PolicyDrop {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
		return
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

// Hub fans appended events out to subscribers. A single dispatcher goroutine
// preserves append order across all subscribers; the bounded dispatch queue
// is the explicit backpressure point between the appender and fan-out.
type Hub struct {
	mu      sync.Mutex
	subs    []*Subscription
	queue   chan *event.Event
	buffer  int
	policy  Policy
	closed  chan struct{}
	closeMu sync.Once
}

// NewHub creates a hub and starts its dispatcher. Zero sizes select defaults.
func NewHub(queueSize, subscriberBuffer int, policy Policy) *Hub {
	if queueSize <= 0 {
		queueSize = defaultDispatchQueue
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	if policy == "" {
		policy = PolicyBlock
	}
	h := &Hub{
		queue:  make(chan *event.Event, queueSize),
		buffer: subscriberBuffer,
		policy: policy,
		closed: make(chan struct{}),
	}
	go h.dispatch()
	return h
}

// Publish enqueues an event for fan-out. Blocks only when the dispatch queue
// is full.
func (h *Hub) Publish(e *event.Event) {
	select {
	case h.queue <- e:
	case <-h.closed:
	}
}

// Subscribe attaches a new subscriber with the hub's buffer size and policy.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		ch:     make(chan *event.Event, h.buffer),
		done:   make(chan struct{}),
		policy: h.policy,
		hub:    h,
	}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	return s
}

// Close stops the dispatcher. Pending queued events are discarded.
func (h *Hub) Close() {
	h.closeMu.Do(func() { close(h.closed) })
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub == s {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

func (h *Hub) dispatch() {
	for {
		select {
		case <-h.closed:
			return
		case e := <-h.queue:
			h.mu.Lock()
			snapshot := make([]*Subscription, len(h.subs))
			copy(snapshot, h.subs)
			h.mu.Unlock()
			for _, s := range snapshot {
				select {
				case <-s.done:
					continue
				default:
				}
				s.deliver(e)
			}
		}
	}
}
