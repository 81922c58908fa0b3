// Package status fans positioner statuses out to every interested
// component and remembers the latest state and init snapshots.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// Commander sends a command to the positioner. *device.Link satisfies it.
type Commander interface {
	Send(cmd device.Command) error
}

// Entry is one diagnostics record of a status that is neither a state
// nor an init.
type Entry struct {
	At     time.Time     `json:"at"`
	Status device.Status `json:"status"`
}

// Hub delivers statuses to subscribers synchronously, in subscription
// order. Publishes are serialized, so every subscriber sees statuses in
// the same order. Handlers must not call Publish or Subscribe.
type Hub struct {
	clock        clock.Clock
	querier      Commander
	metrics      *metrics.Metrics
	historyLimit int

	publishMu sync.Mutex

	mu          sync.Mutex
	latestState *device.Status
	latestInit  *device.Status
	history     []Entry
	subs        []*Subscription
}

// NewHub creates a hub. querier may be nil. historyLimit 0 keeps every
// entry.
func NewHub(querier Commander, clk clock.Clock, historyLimit int, m *metrics.Metrics) *Hub {
	return &Hub{clock: clk, querier: querier, historyLimit: historyLimit, metrics: m}
}

// Subscription is a handle on a registered handler.
type Subscription struct {
	hub    *Hub
	fn     func(device.Status)
	closed atomic.Bool
}

// Close stops delivery. It is safe to call more than once and from
// within the handler itself.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub == s {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish records st and delivers it to every current subscriber before
// returning.
func (h *Hub) Publish(st device.Status) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.Lock()
	switch st.Kind() {
	case device.KindState:
		h.latestState = &st
	case device.KindInit:
		h.latestInit = &st
	default:
		h.history = append(h.history, Entry{At: h.clock.Now(), Status: st})
		if h.historyLimit > 0 && len(h.history) > h.historyLimit {
			h.history = h.history[len(h.history)-h.historyLimit:]
		}
	}
	subs := make([]*Subscription, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	h.metrics.StatusReceived(st.Kind().String())
	debug.Live("status", "status", st.String(), "subscribers", len(subs))

	for _, s := range subs {
		if !s.closed.Load() {
			s.fn(st)
		}
	}
}

// Subscribe registers fn. It is immediately handed the latest state if
// one is known; otherwise the positioner is asked for its state and the
// reply arrives through Publish.
func (h *Hub) Subscribe(fn func(device.Status)) *Subscription {
	sub := &Subscription{hub: h, fn: fn}

	h.publishMu.Lock()
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	latest := h.latestState
	h.mu.Unlock()
	if latest != nil {
		fn(*latest)
	}
	h.publishMu.Unlock()

	if latest == nil && h.querier != nil {
		if err := h.querier.Send(device.QueryStateCommand()); err != nil {
			debug.Warn("query state for new subscriber", "error", err)
		}
	}
	return sub
}

// LatestState returns the most recent state status.
func (h *Hub) LatestState() (device.Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latestState == nil {
		return device.Status{}, false
	}
	return *h.latestState, true
}

// LatestInit returns the most recent init status.
func (h *Hub) LatestInit() (device.Status, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latestInit == nil {
		return device.Status{}, false
	}
	return *h.latestInit, true
}

// History returns a copy of the diagnostics log.
func (h *Hub) History() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.history))
	copy(out, h.history)
	return out
}

// Subscribers reports how many handlers are registered.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
