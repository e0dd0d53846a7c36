package marketdata

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/automatetrade/execution-engine/internal/metrics"
	"github.com/automatetrade/execution-engine/internal/model"
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("marketdata: subscription closed")

// Hub holds the latest tick per symbol and fans ticks out to subscriptions.
// Ticks for a symbol are last-write-wins; there is no ordering across symbols.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]model.Tick
	subs   map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub. buffer sizes each subscription's pending set; a
// subscription never holds more than one tick per symbol, so the set is
// bounded by the symbols it follows and no symbol's tick is ever evicted by
// another's.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		latest: make(map[string]model.Tick),
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Publish records t as the latest tick for its symbol and offers it to every
// matching subscription. Never blocks on slow consumers.
func (h *Hub) Publish(t model.Tick) {
	h.mu.Lock()
	h.latest[t.Symbol] = t
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if s.wants(t.Symbol) {
			s.offer(t)
		}
	}
}

// Latest returns the most recent tick for symbol.
func (h *Hub) Latest(symbol string) (model.Tick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.latest[symbol]
	return t, ok
}

// Prices returns a copy of the latest tick for every symbol.
func (h *Hub) Prices() map[string]model.Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]model.Tick, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// Subscribe opens a subscription for symbols (all symbols when none given).
// The subscription is primed with the latest known tick of each requested
// symbol, so re-subscribing restarts the sequence from current state.
func (h *Hub) Subscribe(symbols ...string) *Subscription {
	s := &Subscription{
		hub:     h,
		pending: make(map[string]model.Tick, h.buffer),
		order:   make([]string, 0, h.buffer),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(symbols) > 0 {
		s.filter = make(map[string]bool, len(symbols))
		for _, sym := range symbols {
			s.filter[sym] = true
		}
	}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	var prime []model.Tick
	for sym, t := range h.latest {
		if s.wants(sym) {
			prime = append(prime, t)
		}
	}
	h.mu.Unlock()

	for _, t := range prime {
		s.offer(t)
	}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is a bounded, coalescing queue of ticks. At most one tick per
// symbol is pending: a newer tick replaces the older one, since only the
// latest price matters for risk checks.
type Subscription struct {
	hub    *Hub
	filter map[string]bool

	mu      sync.Mutex
	pending map[string]model.Tick
	order   []string

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) wants(symbol string) bool {
	return s.filter == nil || s.filter[symbol]
}

func (s *Subscription) offer(t model.Tick) {
	s.mu.Lock()
	if _, ok := s.pending[t.Symbol]; ok {
		s.pending[t.Symbol] = t
		metrics.SubscriberOverwrites.Inc()
	} else {
		s.order = append(s.order, t.Symbol)
		s.pending[t.Symbol] = t
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (model.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return model.Tick{}, false
	}
	sym := s.order[0]
	s.order = s.order[1:]
	t := s.pending[sym]
	delete(s.pending, sym)
	return t, true
}

// Next blocks until a tick is available, ctx is done, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (model.Tick, error) {
	for {
		select {
		case <-s.done:
			return model.Tick{}, ErrSubscriptionClosed
		default:
		}
		if t, ok := s.pop(); ok {
			return t, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return model.Tick{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return model.Tick{}, ctx.Err()
		}
	}
}

// All yields ticks lazily until ctx is done, the subscription is closed, or
// the consumer stops ranging.
func (s *Subscription) All(ctx context.Context) iter.Seq[model.Tick] {
	return func(yield func(model.Tick) bool) {
		for {
			t, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Close detaches the subscription from the hub. Safe to call twice.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}
