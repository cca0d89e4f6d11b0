// Package broadcast is a topic-keyed publish/subscribe fan-out for
// live client connections. It is domain-agnostic: topics are opaque
// strings and payloads are pre-serialized JSON. Delivery is at-most-
// once and best-effort — there is no replay and no backlog; a client
// that needs authoritative state re-fetches it.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clanforge/timekeep/internal/clock"
)

// Event names that belong to the transport itself rather than any
// domain transition.
const (
	EventConnected = "connected"
	EventHeartbeat = "heartbeat"
)

// HeartbeatInterval is the period between heartbeat events on every
// known topic. Heartbeats carry no domain meaning; they keep idle
// long-lived connections from being reclaimed by proxies.
const HeartbeatInterval = 30 * time.Second

// Envelope is the serialized unit handed to every subscriber callback.
// IDs are assigned monotonically per broadcaster and never reused;
// they are advisory only, no replay-from-id is possible.
type Envelope struct {
	ID    uint64          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Callback receives one envelope. Callbacks must not block: a slow
// consumer should buffer internally (for example a non-blocking send
// into its own channel) and drop on overflow. A returned error or a
// panic is logged and does not affect delivery to other subscribers.
type Callback func(Envelope) error

// Subscription is a live registration. Unsubscribe is idempotent and
// must be called when the underlying connection closes.
type Subscription struct {
	// ID uniquely identifies this subscriber across the broadcaster's
	// lifetime. Sent to the client in its connected event.
	ID string

	topic string
	once  sync.Once
	b     *Broadcaster
}

// Unsubscribe removes the subscription. Safe to call more than once
// and after the broadcaster has closed.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s.topic, s.ID)
	})
}

// Broadcaster is the subscriber registry. Construct one per process
// (or per test) with New; it holds no global state.
type Broadcaster struct {
	logger *slog.Logger
	clock  clock.Clock

	nextID atomic.Uint64

	mu     sync.Mutex
	subs   map[string][]*entry
	closed bool
}

type entry struct {
	id string
	fn Callback
}

// New returns an empty broadcaster.
func New(logger *slog.Logger, clk clock.Clock) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		clock:  clk,
		subs:   make(map[string][]*entry),
	}
}

// Subscribe registers fn under topic and synchronously delivers a
// connected envelope carrying the assigned subscriber id. Multiple
// subscribers per topic are allowed (two browser tabs for one user).
func (b *Broadcaster) Subscribe(topic string, fn Callback) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		topic: topic,
		b:     b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return sub // already "unsubscribed"; Unsubscribe stays safe
	}
	b.subs[topic] = append(b.subs[topic], &entry{id: sub.ID, fn: fn})
	b.mu.Unlock()

	data, _ := json.Marshal(map[string]string{"subscriberId": sub.ID})
	b.deliver(topic, []*entry{{id: sub.ID, fn: fn}}, Envelope{
		ID:    b.nextID.Add(1),
		Event: EventConnected,
		Data:  data,
	})
	return sub
}

// Publish sends one event to every current subscriber of topic. A
// topic with no subscribers is a no-op, not an error. Data is
// marshalled once; a marshal failure is logged and the publish
// dropped (the domain mutation it describes has already committed).
func (b *Broadcaster) Publish(topic, event string, data any) {
	b.PublishToMany([]string{topic}, event, data)
}

// PublishToMany fans one logical event out to several topics, for
// example subject plus supervisor from a single transition. All
// deliveries share one envelope id.
func (b *Broadcaster) PublishToMany(topics []string, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("broadcast: payload marshal failed, event dropped",
			"event", event, "error", err)
		return
	}
	envelope := Envelope{ID: b.nextID.Add(1), Event: event, Data: raw}

	for _, topic := range topics {
		b.mu.Lock()
		targets := make([]*entry, len(b.subs[topic]))
		copy(targets, b.subs[topic])
		b.mu.Unlock()

		b.deliver(topic, targets, envelope)
	}
}

// deliver invokes callbacks outside the registry lock. A panicking or
// failing callback never prevents delivery to the rest of its topic.
func (b *Broadcaster) deliver(topic string, targets []*entry, envelope Envelope) {
	for _, target := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("broadcast: subscriber callback panicked",
						"topic", topic, "subscriber", target.id, "panic", r)
				}
			}()
			if err := target.fn(envelope); err != nil {
				b.logger.Debug("broadcast: subscriber callback failed",
					"topic", topic, "subscriber", target.id, "error", err)
			}
		}()
	}
}

// remove deletes one subscriber from a topic, dropping the topic key
// when its list empties.
func (b *Broadcaster) remove(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, e := range list {
		if e.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Topics returns the topics that currently have subscribers.
func (b *Broadcaster) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	return topics
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Run emits a heartbeat to every known topic on a fixed interval
// until ctx is cancelled. Call it from a dedicated goroutine.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := b.clock.Now()
			for _, topic := range b.Topics() {
				b.Publish(topic, EventHeartbeat, map[string]any{
					"timestamp": now.UTC().Format(time.RFC3339),
				})
			}
		}
	}
}

// Close drops every subscriber and rejects future registrations.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*entry)
}
