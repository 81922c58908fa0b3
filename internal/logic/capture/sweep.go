package capture

import (
	"time"

	"github.com/cjeanneret/RangePano/internal/device"
)

// Phase is the lifecycle position of a sweep.
type Phase string

const (
	PhaseOpen      Phase = "open"
	PhaseSealed    Phase = "sealed"
	PhaseEmpty     Phase = "empty"
	PhaseStitching Phase = "stitching"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// Frame is one accepted video frame. Data is never modified after
// capture.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
	State      device.Status // state active when the frame was accepted
}

// Sweep is the set of frames recorded between leaving and returning to
// the home position. The controller owns it until it is sealed; after
// that it belongs to the stitcher.
type Sweep struct {
	ID       string
	OpenedAt time.Time
	SealedAt time.Time
	Phase    Phase
	Frames   []Frame
}

// SweepInfo is a copy-safe summary of a sweep.
type SweepInfo struct {
	ID         string    `json:"id"`
	OpenedAt   time.Time `json:"opened_at"`
	FrameCount int       `json:"frame_count"`
	LastFrame  time.Time `json:"last_frame,omitzero"`
}

func (s *Sweep) info() SweepInfo {
	info := SweepInfo{ID: s.ID, OpenedAt: s.OpenedAt, FrameCount: len(s.Frames)}
	if n := len(s.Frames); n > 0 {
		info.LastFrame = s.Frames[n-1].CapturedAt
	}
	return info
}
