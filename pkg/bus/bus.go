// Package bus carries engram lifecycle events from the engine to observers
// (CLI printers, dashboards). Publishing never blocks the engine for long:
// a full buffer waits briefly and then drops the event.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EngramCreated         EventKind = "engram.created"
	EngramRetrieved       EventKind = "engram.retrieved"
	EngramPruned          EventKind = "engram.pruned"
	ConsolidationDeferred EventKind = "consolidation.deferred"
)

type Event struct {
	ID             string                 `json:"id"`
	Kind           EventKind              `json:"kind"`
	ConversationID string                 `json:"conversation_id"`
	EngramIDs      []string               `json:"engram_ids,omitempty"`
	At             time.Time              `json:"at"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// Handler receives dispatched events. It runs on the dispatch goroutine.
type Handler func(Event)

// Publisher is the engine-facing side of the bus.
type Publisher interface {
	Publish(ev Event)
}

type EventBus struct {
	events   chan Event
	handlers map[EventKind][]Handler
	closed   bool
	dropped  atomic.Uint64
	mu       sync.RWMutex
}

const (
	publishTimeout = 100 * time.Millisecond
	bufferSize     = 100
)

func NewEventBus() *EventBus {
	return &EventBus{
		events:   make(chan Event, bufferSize),
		handlers: make(map[EventKind][]Handler),
	}
}

// Publish enqueues ev, filling in ID and At when unset.
func (b *EventBus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
		case <-timer.C:
			b.dropped.Add(1)
		}
	}
}

// Consume returns the next event, or false once the bus is closed and
// drained or ctx is done.
func (b *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// Subscribe registers h for kind. An empty kind receives every event.
func (b *EventBus) Subscribe(kind EventKind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Run dispatches events to subscribed handlers until ctx is done or the bus
// is closed.
func (b *EventBus) Run(ctx context.Context) {
	for {
		ev, ok := b.Consume(ctx)
		if !ok {
			return
		}
		b.mu.RLock()
		hs := append(append([]Handler{}, b.handlers[ev.Kind]...), b.handlers[""]...)
		b.mu.RUnlock()
		for _, h := range hs {
			h(ev)
		}
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
