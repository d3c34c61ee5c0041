package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published on the execution event bus.
const (
	EventTypeExecutionCommitted = "execution.committed"
	EventTypeExecutionRejected  = "execution.rejected"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeStateReverted      = "state.reverted"
	EventTypeScopeArchived      = "scope.archived"
	EventTypeScopePurged        = "scope.purged"
)

// Event is a single execution lifecycle notification.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// ScopeID is the scope the event belongs to.
	ScopeID string `json:"scope_id,omitempty"`

	// ActionID is the associated action, if applicable.
	ActionID string `json:"action_id,omitempty"`

	// SnapshotID is the committed snapshot, if applicable.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// RequestID is the caller correlation id, if applicable.
	RequestID string `json:"request_id,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`

	// Data contains additional event-specific fields.
	Data map[string]any `json:"data,omitempty"`
}

// EventSubscriber handles published events. Subscribers run on the
// publisher's dispatch goroutine and must not block.
type EventSubscriber func(event Event)

// EventBus is a buffered in-process fan-out of execution events. Publishing
// never blocks the execution path: when the buffer is full the event is
// dropped.
type EventBus struct {
	config EventsConfig
	buffer chan Event

	mu          sync.RWMutex
	subscribers []EventSubscriber
	dropped     uint64

	done chan struct{}
	once sync.Once
}

// NewEventBus creates the bus and starts its dispatch goroutine.
func NewEventBus(cfg EventsConfig) *EventBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	b := &EventBus{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	if cfg.Enabled {
		go b.dispatch()
	}
	return b
}

// Subscribe registers a subscriber for all future events.
func (b *EventBus) Subscribe(sub EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish enqueues an event, assigning its id and timestamp when unset.
func (b *EventBus) Publish(event Event) {
	if !b.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.buffer <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *EventBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close stops the dispatch goroutine after draining buffered events.
func (b *EventBus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *EventBus) dispatch() {
	for {
		select {
		case event := <-b.buffer:
			b.mu.RLock()
			subs := make([]EventSubscriber, len(b.subscribers))
			copy(subs, b.subscribers)
			b.mu.RUnlock()
			for _, sub := range subs {
				sub(event)
			}
		case <-b.done:
			for {
				select {
				case event := <-b.buffer:
					b.mu.RLock()
					subs := make([]EventSubscriber, len(b.subscribers))
					copy(subs, b.subscribers)
					b.mu.RUnlock()
					for _, sub := range subs {
						sub(event)
					}
				default:
					return
				}
			}
		}
	}
}
