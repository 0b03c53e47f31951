// Package live fans trip events out to in-process subscribers such as
// rider WebSocket connections.
package live

import (
	"context"
	"strings"
	"sync"

	"bustrac/internal/trip"
)

const DefaultBuffer = 16

type Metrics interface {
	SetLiveSubscribers(n int)
	LiveEventDropped()
}

// Hub implements trip.Notifier. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	byTrip map[string]map[*Subscription]struct{}
	byCity map[string]map[*Subscription]struct{}
	count  int

	buffer  int
	metrics Metrics
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithMetrics(m Metrics) Option { return func(h *Hub) { h.metrics = m } }

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		byTrip: make(map[string]map[*Subscription]struct{}),
		byCity: make(map[string]map[*Subscription]struct{}),
		buffer: DefaultBuffer,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type Subscription struct {
	ch    chan trip.Event
	hub   *Hub
	index map[string]map[*Subscription]struct{}
	key   string
	once  sync.Once
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan trip.Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Subscribe follows a single trip.
func (h *Hub) Subscribe(tripID string) *Subscription {
	return h.add(h.byTrip, tripID)
}

// SubscribeCity follows every trip in a city.
func (h *Hub) SubscribeCity(city string) *Subscription {
	return h.add(h.byCity, cityKey(city))
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) Publish(_ context.Context, ev trip.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byTrip[ev.Trip.ID], ev)
	h.deliver(h.byCity[cityKey(ev.Trip.City)], ev)
	return nil
}

func (h *Hub) deliver(subs map[*Subscription]struct{}, ev trip.Event) {
	for s := range subs {
		select {
		case s.ch <- ev:
		default:
			if h.metrics != nil {
				h.metrics.LiveEventDropped()
			}
		}
	}
}

func (h *Hub) add(index map[string]map[*Subscription]struct{}, key string) *Subscription {
	s := &Subscription{ch: make(chan trip.Event, h.buffer), hub: h, index: index, key: key}
	h.mu.Lock()
	set, ok := index[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		index[key] = set
	}
	set[s] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetLiveSubscribers(n)
	}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if set, ok := s.index[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.index, s.key)
		}
	}
	h.count--
	n := h.count
	close(s.ch)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetLiveSubscribers(n)
	}
}

func cityKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}
