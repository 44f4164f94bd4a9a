// Package broadcast implements the in-process event fan-out (C15): a
// single-process publish/subscribe bus for lifecycle events, per spec
// §4.15. It is not a durability layer — delivery is best-effort and a
// slow subscriber may drop events rather than block a publisher.
package broadcast

import (
	"strings"
	"sync"
	"time"
)

// Event is one published record.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// subscriber is one registered listener, matched by topic prefix.
type subscriber struct {
	prefix string
	ch     chan Event
}

// Broadcaster fans out published events to topic-prefix subscribers,
// preserving delivery order per topic.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int

	// queues serializes delivery for each distinct topic so that two
	// publishes to the same topic are never reordered across subscribers,
	// without serializing unrelated topics against each other.
	queues   map[string]chan Event
	queueWG  sync.WaitGroup
	closedMu sync.Mutex
	closed   bool
}

// New builds an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]*subscriber),
		queues: make(map[string]chan Event),
	}
}

// Subscription is a handle to an active subscription.
type Subscription struct {
	id int
	b  *Broadcaster
	C  <-chan Event
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if sub, ok := s.b.subs[s.id]; ok {
		close(sub.ch)
		delete(s.b.subs, s.id)
	}
}

// Subscribe registers a listener for every topic matching prefix (an
// empty prefix matches all topics). bufSize bounds how many undelivered
// events the subscriber can lag behind before new events are dropped for
// it.
func (b *Broadcaster) Subscribe(prefix string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 32
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscriber{prefix: prefix, ch: make(chan Event, bufSize)}
	b.subs[id] = sub
	return &Subscription{id: id, b: b, C: sub.ch}
}

// Publish enqueues an event under topic. Per-topic ordering is preserved
// by funneling all publishes to the same topic through one buffered
// channel drained by a single goroutine; delivery to each matching
// subscriber is non-blocking (a full subscriber buffer drops the event).
func (b *Broadcaster) Publish(topic string, payload any) {
	b.closedMu.Lock()
	closed := b.closed
	b.closedMu.Unlock()
	if closed {
		return
	}

	evt := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Event, 256)
		b.queues[topic] = q
		b.queueWG.Add(1)
		go b.drain(topic, q)
	}
	b.mu.Unlock()

	select {
	case q <- evt:
	default:
		// Topic queue itself is saturated; drop rather than block the
		// publisher, consistent with the best-effort delivery contract.
	}
}

func (b *Broadcaster) drain(topic string, q chan Event) {
	defer b.queueWG.Done()
	for evt := range q {
		b.mu.Lock()
		targets := make([]*subscriber, 0, len(b.subs))
		for _, sub := range b.subs {
			if strings.HasPrefix(topic, sub.prefix) {
				targets = append(targets, sub)
			}
		}
		b.mu.Unlock()

		for _, sub := range targets {
			select {
			case sub.ch <- evt:
			default:
				// Slow subscriber: drop, per spec §4.15's best-effort contract.
			}
		}
	}
}

// Shutdown stops accepting new publishes and closes every per-topic
// queue, waiting for in-flight drains to finish.
func (b *Broadcaster) Shutdown() {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return
	}
	b.closed = true
	b.closedMu.Unlock()

	b.mu.Lock()
	queues := make([]chan Event, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.queues = make(map[string]chan Event)
	b.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	b.queueWG.Wait()
}
