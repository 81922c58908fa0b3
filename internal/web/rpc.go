package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
)

const (
	writeWait    = 10 * time.Second
	maxRPCBytes  = 64 << 10
	outboxLength = 64
)

// rpcRequest is one call from a remote session.
type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		Position *int `json:"position"`
	} `json:"params"`
}

type rpcResponse struct {
	ID    json.RawMessage `json:"id"`
	Error string          `json:"error,omitempty"`
}

// rpcCallback pushes a status to the session.
type rpcCallback struct {
	Method string        `json:"method"`
	Params device.Status `json:"params"`
}

var (
	errUnknownMethod   = errors.New("unknown method")
	errMissingPosition = errors.New("move needs params.position")
	errSessionExpired  = errors.New("session expired")
)

// rpcConn is one RPC websocket. Writes go through outbox so that hub
// deliveries never wait on the network.
type rpcConn struct {
	conn      *websocket.Conn
	sessionID string
	outbox    chan any
	done      chan struct{}
	closeOnce sync.Once
}

func (c *rpcConn) enqueue(msg any) {
	select {
	case c.outbox <- msg:
	case <-c.done:
	default:
		debug.Warn("session outbox full, message dropped", "session", c.sessionID)
	}
}

func (c *rpcConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *rpcConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				debug.Verbose("session write", "session", c.sessionID, "error", err)
				c.close()
				return
			}
		}
	}
}

// handleRPC serves one remote session for as long as its socket lives.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Warn("rpc upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	untrack := s.track(ws)
	defer untrack()
	ws.SetReadLimit(maxRPCBytes)

	sess := s.deps.Sessions.Register()
	c := &rpcConn{
		conn:      ws,
		sessionID: sess.ID,
		outbox:    make(chan any, outboxLength),
		done:      make(chan struct{}),
	}
	s.addConn(c)
	defer func() {
		s.removeConn(c)
		s.deps.Sessions.Remove(sess.ID)
		c.close()
	}()
	go c.writeLoop()

	sub := s.deps.Hub.Subscribe(func(st device.Status) {
		c.enqueue(rpcCallback{Method: "updateStatus", Params: st})
	})
	defer sub.Close()

	for {
		var req rpcRequest
		if err := ws.ReadJSON(&req); err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				c.enqueue(rpcResponse{Error: "malformed request"})
				continue
			}
			return
		}
		resp := rpcResponse{ID: req.ID}
		if err := s.call(sess.ID, req); err != nil {
			resp.Error = err.Error()
			debug.Verbose("rpc call failed", "session", sess.ID, "method", req.Method, "error", err)
		}
		c.enqueue(resp)
	}
}

// call runs one RPC method for a session.
func (s *Server) call(sessionID string, req rpcRequest) error {
	debug.Trace("rpc call", "session", sessionID, "method", req.Method)
	switch req.Method {
	case "ping":
		if !s.deps.Sessions.Heartbeat(sessionID) {
			return errSessionExpired
		}
		return nil
	case "home":
		return s.deps.Device.Send(device.HomeCommand())
	case "stop":
		return s.deps.Device.Send(device.StopCommand())
	case "move":
		if req.Params.Position == nil {
			return errMissingPosition
		}
		return s.deps.Device.Send(device.MoveCommand(*req.Params.Position))
	case "state":
		return s.queryState()
	case "init":
		return s.initDevice()
	default:
		return fmt.Errorf("%w: %q", errUnknownMethod, req.Method)
	}
}

// queryState asks the positioner for its state. A busy positioner does
// not answer, so the last known state is resent to remote sessions
// instead. Hub subscribers already saw it and are not told again.
func (s *Server) queryState() error {
	if st, ok := s.deps.Hub.LatestState(); ok && st.IsBusy {
		s.notifySessions(st)
		return nil
	}
	return s.deps.Device.Send(device.QueryStateCommand())
}

func (s *Server) notifySessions(st device.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.sessions {
		c.enqueue(rpcCallback{Method: "updateStatus", Params: st})
	}
}

// initDevice sends Init and then reopens the serial link.
func (s *Server) initDevice() error {
	if err := s.deps.Device.Send(device.InitCommand()); err != nil {
		return err
	}
	s.deps.Device.Reset()
	return nil
}
