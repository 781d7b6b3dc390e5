// Package broadcast provides the in-process pub/sub feed of supervision
// events: sessions starting, blocking, being auto-resolved, decisions,
// escalations, completions, and exits. Observers subscribe to drive status
// displays or notification relays without coupling to the decision loop.
package broadcast

import (
	"sync"
	"time"
)

// Kind identifies the type of supervision event.
type Kind string

const (
	KindSessionStarted Kind = "session_started"
	KindBlocked        Kind = "blocked"
	KindAutoResolved   Kind = "auto_resolved"
	KindDecision       Kind = "decision"
	KindEscalation     Kind = "escalation"
	KindTaskComplete   Kind = "task_complete"
	KindSessionExit    Kind = "session_exit"
)

// Event is one supervision event in the feed.
type Event struct {
	Kind      Kind
	SessionID string
	Label     string
	Detail    string
	Time      time.Time
}

// subscriberBuffer is each subscriber channel's capacity. Publishing never
// blocks; a full channel drops the event for that subscriber.
const subscriberBuffer = 100

// Broadcaster fans supervision events out to all subscribers.
// Thread-safe for concurrent publish and subscribe.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its event channel. The
// returned unsubscribe function must be called to clean up when done.
func (b *Broadcaster) Subscribe() (events <-chan Event, unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subscribers[id]; ok {
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Publish delivers an event to every subscriber. Non-blocking: a
// subscriber that has fallen behind misses the event rather than stalling
// the decision loop. A zero Time is stamped with the current time.
func (b *Broadcaster) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than block.
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
