package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/ledger"
	"github.com/cjeanneret/RangePano/internal/logic/capture"
	"github.com/cjeanneret/RangePano/internal/logic/geometry"
)

const (
	maxCommandBytes   = 1 << 20
	defaultSweepLimit = 20
	maxSweepLimit     = 500
)

// CommandRequest is the body of POST /command. A move names either an
// encoder position or an azimuth in degrees.
type CommandRequest struct {
	Command  string   `json:"command"`
	Position *int     `json:"position,omitempty"`
	AngleDeg *float64 `json:"angle_deg,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State          *device.Status     `json:"state"`
	Init           *device.Status     `json:"init"`
	History        int                `json:"history"`
	Capture        string             `json:"capture"`
	Sweep          *capture.SweepInfo `json:"sweep,omitempty"`
	Sessions       int                `json:"sessions"`
	Viewers        int                `json:"viewers"`
	LinkConnected  bool               `json:"link_connected"`
	VideoConnected bool               `json:"video_connected"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("write response", "error", err)
	}
}

// resolveCommand validates req and turns it into a device command.
func (s *Server) resolveCommand(req CommandRequest) (device.Command, error) {
	kind, err := device.ParseCommandKind(req.Command)
	if err != nil {
		return device.Command{}, err
	}
	if kind != device.Move {
		if req.Position != nil || req.AngleDeg != nil {
			return device.Command{}, fmt.Errorf("%s takes no position", kind)
		}
		return device.Command{Kind: kind}, nil
	}

	switch {
	case req.Position != nil && req.AngleDeg != nil:
		return device.Command{}, errors.New("give position or angle_deg, not both")
	case req.Position != nil:
		if *req.Position < 0 {
			return device.Command{}, fmt.Errorf("position must be >= 0, got %d", *req.Position)
		}
		return device.MoveCommand(*req.Position), nil
	case req.AngleDeg != nil:
		angle := *req.AngleDeg
		if math.IsNaN(angle) || math.IsInf(angle, 0) || angle < 0 || angle > s.deps.SweepAngleDeg {
			return device.Command{}, fmt.Errorf("angle_deg must be between 0 and %g", s.deps.SweepAngleDeg)
		}
		st, ok := s.deps.Hub.LatestState()
		if !ok {
			return device.Command{}, errors.New("encoder range unknown until the positioner reports its state")
		}
		calc, err := geometry.FromStatus(st, s.deps.SweepAngleDeg)
		if err != nil {
			return device.Command{}, err
		}
		return device.MoveCommand(calc.StepsFromAngle(angle)), nil
	default:
		return device.Command{}, errors.New("move needs position or angle_deg")
	}
}

// handleCommand handles POST /command.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBytes)
	var req CommandRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	cmd, err := s.resolveCommand(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch cmd.Kind {
	case device.QueryState:
		err = s.queryState()
	case device.Init:
		err = s.initDevice()
	default:
		err = s.deps.Device.Send(cmd)
	}
	if err != nil {
		if errors.Is(err, device.ErrNotConnected) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	debug.Verbose("command accepted", "command", cmd.String(), "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent", "command": cmd.String()})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		History:       len(s.deps.Hub.History()),
		Capture:       capture.Idle.String(),
		Sessions:      s.deps.Sessions.Len(),
		Viewers:       s.deps.Viewers.Len(),
		LinkConnected: s.deps.Device.Connected(),
	}
	if st, ok := s.deps.Hub.LatestState(); ok {
		resp.State = &st
	}
	if st, ok := s.deps.Hub.LatestInit(); ok {
		resp.Init = &st
	}
	if s.deps.Capture != nil {
		resp.Capture = s.deps.Capture.State().String()
		if info, ok := s.deps.Capture.OpenSweep(); ok {
			resp.Sweep = &info
		}
	}
	if s.deps.Video != nil {
		resp.VideoConnected = s.deps.Video.Connected()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSweeps handles GET /sweeps?limit=N.
func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeps == nil {
		http.Error(w, "sweep ledger not configured", http.StatusServiceUnavailable)
		return
	}
	limit := defaultSweepLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSweepLimit {
			http.Error(w, fmt.Sprintf("limit must be between 1 and %d", maxSweepLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}
	sweeps, err := s.deps.Sweeps.RecentSweeps(r.Context(), limit)
	if err != nil {
		debug.Error("list sweeps", err)
		http.Error(w, "ledger unavailable", http.StatusInternalServerError)
		return
	}
	if sweeps == nil {
		sweeps = []ledger.Sweep{}
	}
	writeJSON(w, http.StatusOK, sweeps)
}
