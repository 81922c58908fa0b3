// Package web is the network surface of the rig: the RPC websocket used
// by remote sessions, the live video websocket, and a small REST API.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/ledger"
	"github.com/cjeanneret/RangePano/internal/logic/capture"
	"github.com/cjeanneret/RangePano/internal/session"
	"github.com/cjeanneret/RangePano/internal/status"
)

// Device is the positioner link as seen by clients.
type Device interface {
	Send(cmd device.Command) error
	Reset()
	Connected() bool
}

// CaptureState reports what the capture controller is doing.
type CaptureState interface {
	State() capture.State
	OpenSweep() (capture.SweepInfo, bool)
}

// SweepLister reads the sweep history.
type SweepLister interface {
	RecentSweeps(ctx context.Context, limit int) ([]ledger.Sweep, error)
}

// Deps are the components the server exposes. Capture, Sweeps, Video
// and Gatherer are optional.
type Deps struct {
	Device        Device
	Hub           *status.Hub
	Sessions      *session.Registry
	Viewers       *ViewerHub
	Capture       CaptureState
	Sweeps        SweepLister
	Video         interface{ Connected() bool }
	Gatherer      prometheus.Gatherer
	SweepAngleDeg float64
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	deps     Deps
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sockets  map[*websocket.Conn]struct{}
	sessions map[string]*rpcConn
}

// NewServer creates a server for addr. Evicted sessions have their
// sockets closed.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		addr: addr,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sockets:  make(map[*websocket.Conn]struct{}),
		sessions: make(map[string]*rpcConn),
	}
	deps.Sessions.OnEvict(s.evict)
	return s
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleRPC)
	mux.HandleFunc("GET /video", s.handleVideo)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sweeps", s.handleSweeps)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux(), ReadHeaderTimeout: 10 * time.Second}
	srv.RegisterOnShutdown(s.closeSockets)
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// track records a hijacked websocket so shutdown can close it.
func (s *Server) track(conn *websocket.Conn) func() {
	s.mu.Lock()
	s.sockets[conn] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.sockets, conn)
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *Server) closeSockets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.sockets {
		conn.Close()
	}
}

func (s *Server) addConn(c *rpcConn) {
	s.mu.Lock()
	s.sessions[c.sessionID] = c
	s.mu.Unlock()
}

func (s *Server) removeConn(c *rpcConn) {
	s.mu.Lock()
	if s.sessions[c.sessionID] == c {
		delete(s.sessions, c.sessionID)
	}
	s.mu.Unlock()
}

func (s *Server) evict(sess session.Session) {
	s.mu.Lock()
	c := s.sessions[sess.ID]
	s.mu.Unlock()
	if c != nil {
		debug.Info("closing silent session", "session", sess.ID, "last_heartbeat", sess.LastHeartbeat)
		c.close()
	}
}
