// Package session tracks connected remote clients and evicts those that
// stop sending heartbeats.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// Session is a snapshot of one connected client.
type Session struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry holds live sessions. A session is evicted by the first sweep
// that finds it silent for at least the liveness window.
type Registry struct {
	clock      clock.Clock
	liveness   time.Duration
	sweepEvery time.Duration
	metrics    *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	onEvict  func(Session)
}

// NewRegistry creates a registry.
func NewRegistry(clk clock.Clock, liveness, sweepEvery time.Duration, m *metrics.Metrics) *Registry {
	return &Registry{
		clock:      clk,
		liveness:   liveness,
		sweepEvery: sweepEvery,
		metrics:    m,
		sessions:   make(map[string]*Session),
	}
}

// OnEvict registers a callback run for each evicted session, outside
// the registry lock.
func (r *Registry) OnEvict(fn func(Session)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Register creates a session whose heartbeat starts at connect time.
func (r *Registry) Register() Session {
	now := r.clock.Now()
	s := &Session{ID: uuid.NewString(), ConnectedAt: now, LastHeartbeat: now}

	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.Sessions(n)
	debug.Info("session connected", "session", s.ID)
	return *s
}

// Heartbeat refreshes id. It reports false for unknown or evicted ids.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.LastHeartbeat = r.clock.Now()
	return true
}

// Remove deletes id on a clean disconnect.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		r.metrics.Sessions(n)
		debug.Info("session disconnected", "session", id)
	}
	return ok
}

// Get returns a snapshot of id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns all sessions ordered by connect time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// EvictExpired removes every session silent for at least the liveness
// window and returns them.
func (r *Registry) EvictExpired() []Session {
	now := r.clock.Now()

	r.mu.Lock()
	var evicted []Session
	for id, s := range r.sessions {
		if now.Sub(s.LastHeartbeat) >= r.liveness {
			evicted = append(evicted, *s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	fn := r.onEvict
	r.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	r.metrics.Sessions(n)
	r.metrics.SessionsEvicted(len(evicted))
	for _, s := range evicted {
		debug.Info("session expired", "session", s.ID, "last_heartbeat", s.LastHeartbeat)
		if fn != nil {
			fn(s)
		}
	}
	return evicted
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	t := r.clock.NewTicker(r.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.EvictExpired()
		}
	}
}
