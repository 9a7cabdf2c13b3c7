// Package hub fans encoded viewer messages out to every connected viewer.
//
// Frames are deltas, so a viewer that misses one can no longer reconstruct
// the board. Publish never blocks: a subscriber whose queue is full is
// evicted (its channel is closed) and has to bootstrap again.
package hub

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed           = errors.New("hub: closed")
	ErrSubscriberExists = errors.New("hub: subscriber id already exists")
)

const DefaultQueue = 256

// Subscription is one viewer's outbound queue.
type Subscription struct {
	ID   string
	Name string

	ch      chan []byte
	evicted atomic.Bool
	sent    atomic.Uint64
}

// C yields encoded messages. It is closed on eviction, Unsubscribe, or Close.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Evicted reports whether the hub dropped this subscriber for lagging.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Sent        uint64 `json:"sent"`
	Evicted     uint64 `json:"evicted"`
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Uint64
	sent      atomic.Uint64
	evicted   atomic.Uint64
}

func New() *Hub {
	return &Hub{subs: map[string]*Subscription{}}
}

// Subscribe registers a viewer queue of the given depth (DefaultQueue if <= 0).
func (h *Hub) Subscribe(id, name string, queue int) (*Subscription, error) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.subs[id]; ok {
		return nil, ErrSubscriberExists
	}
	s := &Subscription{ID: id, Name: name, ch: make(chan []byte, queue)}
	h.subs[id] = s
	return s, nil
}

// Unsubscribe removes s and closes its channel. Unknown or already evicted
// subscriptions are ignored.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[s.ID]; ok && cur == s {
		delete(h.subs, s.ID)
		close(s.ch)
	}
}

// Publish offers b to every subscriber and returns how many accepted it.
func (h *Hub) Publish(b []byte) int {
	h.published.Add(1)

	h.mu.RLock()
	var lagging []*Subscription
	n := 0
	for _, s := range h.subs {
		select {
		case s.ch <- b:
			s.sent.Add(1)
			n++
		default:
			lagging = append(lagging, s)
		}
	}
	h.mu.RUnlock()
	h.sent.Add(uint64(n))

	if len(lagging) > 0 {
		h.mu.Lock()
		for _, s := range lagging {
			if cur, ok := h.subs[s.ID]; ok && cur == s {
				delete(h.subs, s.ID)
				s.evicted.Store(true)
				close(s.ch)
				h.evicted.Add(1)
			}
		}
		h.mu.Unlock()
	}
	return n
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Published:   h.published.Load(),
		Sent:        h.sent.Load(),
		Evicted:     h.evicted.Load(),
	}
}

// Close drops every subscriber. Later Subscribe calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
