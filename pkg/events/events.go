package events

import (
	"sync"
	"time"

	"github.com/golemcloud/golem-sub021/pkg/types"
)

// EventType represents the type of worker event
type EventType string

const (
	EventStdOut             EventType = "stdout"
	EventStdErr             EventType = "stderr"
	EventLog                EventType = "log"
	EventInvocationStart    EventType = "invocation.start"
	EventInvocationFinished EventType = "invocation.finished"
	EventClientLagged       EventType = "client.lagged"
)

// Event is one observable worker event. Events are lossy for slow
// subscribers (they receive EventClientLagged instead); the oplog itself is
// never lossy.
type Event struct {
	Type           EventType             `json:"type"`
	WorkerID       types.WorkerId        `json:"worker_id"`
	Timestamp      time.Time             `json:"timestamp"`
	Message        string                `json:"message,omitempty"`
	Level          string                `json:"level,omitempty"`
	Context        string                `json:"context,omitempty"`
	Function       string                `json:"function,omitempty"`
	IdempotencyKey *types.IdempotencyKey `json:"idempotency_key,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans worker events out to subscribers. Each worker gets its own
// broker so that Connect streams only see their worker's events.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers an event to all subscribers without ever blocking the
// worker. A subscriber whose buffer is full gets a ClientLagged marker once
// its buffer drains instead of the skipped events.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Full lock: lag handling pops from subscriber buffers, which must not
	// race with another publisher doing the same.
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.markLagged(sub, event.WorkerID)
		}
	}
}

// markLagged replaces the oldest buffered event with a lag marker so the
// consumer learns it missed events instead of silently losing them.
func (b *Broker) markLagged(sub Subscriber, workerID types.WorkerId) {
	select {
	case <-sub:
	default:
	}
	select {
	case sub <- &Event{Type: EventClientLagged, WorkerID: workerID, Timestamp: time.Now()}:
	default:
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
