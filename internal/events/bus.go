// Package events provides the in-process event bus that bridges the task
// lifecycle to presentation clients (websocket hub, event log, CLI).
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrBusClosed = errors.New("event bus is closed")

// EventType represents the type of event.
type EventType string

const (
	// Task lifecycle
	EventTaskLaunched EventType = "task.launched"
	EventTaskStarted  EventType = "task.started"
	EventTaskProgress EventType = "task.progress"
	EventTaskResumed  EventType = "task.resumed"
	EventTaskFinished EventType = "task.finished"
	EventTaskTimedOut EventType = "task.timed_out"
	EventTaskStale    EventType = "task.stale"
	EventTaskRemoved  EventType = "task.removed"

	// Notifications
	EventNotificationQueued EventType = "notification.queued"

	// Scheduler
	EventScheduleFired EventType = "schedule.fired"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceManager   EventSource = "manager"
	SourceSweeper   EventSource = "sweeper"
	SourceScheduler EventSource = "scheduler"
	SourceGateway   EventSource = "gateway"
	SourceWS        EventSource = "ws"
)

// Event is one bus message. SessionID carries the parent session the event
// belongs to, when there is one.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

var eventIDCounter uint64

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	eventTypes []EventType
	handler    Subscriber
}

// Bus is an in-memory pub/sub bus with a bounded history buffer. Publish
// never blocks; when the dispatch buffer is full the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	history     *ringBuffer
	closed      bool
	done        chan struct{}
}

// NewBus creates a bus with the given dispatch buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		history:     newRingBuffer(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.history.add(event)
			b.notify(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notify(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.matches(event) {
			go sub.handler(event)
		}
	}
}

func (s *subscription) matches(event Event) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
	}
}

// PublishCtx sends an event, waiting for buffer space until ctx is done.
func (b *Bus) PublishCtx(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for the given event types (all types when
// none are given). Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscription{eventTypes: eventTypes, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// SubscribeChan returns a buffered channel of events. Events are dropped for
// slow consumers rather than blocking dispatch.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	unsubscribe := b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)
	return ch, unsubscribe
}

// History returns up to limit recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.history.get(limit)
}

// Close shuts down the bus. Pending events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// ringBuffer keeps the most recent events for late-joining clients.
type ringBuffer struct {
	mu     sync.Mutex
	events []Event
	size   int
	next   int
	full   bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{events: make([]Event, size), size: size}
}

func (r *ringBuffer) add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = event
	r.next = (r.next + 1) % r.size
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) get(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Event
	if r.full {
		ordered = append(ordered, r.events[r.next:]...)
		ordered = append(ordered, r.events[:r.next]...)
	} else {
		ordered = append(ordered, r.events[:r.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
