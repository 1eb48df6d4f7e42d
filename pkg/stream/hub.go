// Package stream fans batch outcome events out to live subscribers such as
// the admin websocket feed. Slow subscribers lose events rather than block
// the request path.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{ID: uuid.NewString(), Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events on C. An empty type filter receives every
// event.
type Subscription struct {
	C     chan Event
	types map[string]struct{}
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

func (h *Hub) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	s := &Subscription{C: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe closes s.C. Calling it twice is safe.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if exists {
		close(s.C)
	}
}

// Publish delivers evt to every interested subscriber with buffer room and
// returns how many received it.
func (h *Hub) Publish(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.subs {
		if !s.wants(evt.Type) {
			continue
		}
		select {
		case s.C <- evt:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
