package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// ViewerHub fans thumbnails out to live video viewers. Each viewer has
// a single-slot mailbox: a viewer still busy with the previous
// thumbnail misses the next one.
type ViewerHub struct {
	metrics *metrics.Metrics

	mu      sync.RWMutex
	viewers map[chan []byte]struct{}
}

// NewViewerHub creates an empty hub.
func NewViewerHub(m *metrics.Metrics) *ViewerHub {
	return &ViewerHub{metrics: m, viewers: make(map[chan []byte]struct{})}
}

// Subscribe returns a viewer mailbox and its cleanup function, which
// must be called when the viewer goes away.
func (h *ViewerHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.viewers[ch] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()
	h.metrics.Viewers(n)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.viewers, ch)
			n := len(h.viewers)
			h.mu.Unlock()
			close(ch)
			h.metrics.Viewers(n)
		})
	}
	return ch, unsub
}

// Broadcast offers thumb to every viewer whose mailbox is empty and
// returns how many took it.
func (h *ViewerHub) Broadcast(thumb []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.viewers {
		select {
		case ch <- thumb:
			delivered++
		default:
		}
	}
	return delivered
}

// Len returns the number of connected viewers.
func (h *ViewerHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// handleVideo streams thumbnails to one viewer as binary messages.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Warn("video upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	untrack := s.track(conn)
	defer untrack()

	mailbox, unsub := s.deps.Viewers.Subscribe()
	defer unsub()
	debug.Verbose("viewer connected", "remote", r.RemoteAddr)

	// Viewers never send anything useful; reading only detects close.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			debug.Verbose("viewer disconnected", "remote", r.RemoteAddr)
			return
		case thumb, ok := <-mailbox:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, thumb); err != nil {
				debug.Verbose("viewer write", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
