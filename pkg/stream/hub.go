// Package stream fans decision events out to live subscribers such as the
// websocket tail in authzd. Slow subscribers lose events rather than stall
// the publisher.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeReady          = "ready"
	TypeDecision       = "decision"
	TypeCacheCleared   = "cache_cleared"
	TypePolicyRollover = "policy_rollover"
	// TypeLagged tells a subscriber how many events it missed.
	TypeLagged = "lagged"
)

const DefaultBuffer = 32

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	return NewEventAt(eventType, time.Now(), data)
}

func NewEventAt(eventType string, at time.Time, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{Type: eventType, At: at.UTC().Format(time.RFC3339Nano), Data: raw}
}

// Subscription receives events on C until it is unsubscribed or the hub
// closes, after which C is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[string]struct{}
	dropped atomic.Uint64
	closed  bool
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Dropped counts events this subscription missed because its buffer was
// full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are named. Subscribing to a closed hub returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe(buffer int, types ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			if s.types == nil {
				s.types = map[string]struct{}{}
			}
			s.types[t] = struct{}{}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Publish delivers evt to every interested subscriber with room in its
// buffer and returns how many received it.
func (h *Hub) Publish(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for s := range h.subs {
		if !s.wants(evt.Type) {
			continue
		}
		select {
		case s.ch <- evt:
			delivered++
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
	return delivered
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped across all subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close unsubscribes everyone. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	h.subs = map[*Subscription]struct{}{}
}
