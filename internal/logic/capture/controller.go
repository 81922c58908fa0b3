// Package capture decides when video frames become part of a sweep.
//
// The controller watches positioner state: once the head has homed and
// moves away from home it opens a sweep and starts taking frames from
// the video bridge, at most one per frame interval. When the head is
// back home the sweep is sealed and handed to the stitcher.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/ledger"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// State of the controller.
type State int

const (
	Idle State = iota
	Capturing
)

func (s State) String() string {
	if s == Capturing {
		return "capturing"
	}
	return "idle"
}

// SubscribeFunc attaches fn to the raw frame stream and returns the
// function that detaches it.
type SubscribeFunc func(fn func(frame []byte)) (cancel func())

// Stitcher takes ownership of sealed sweeps.
type Stitcher interface {
	Submit(sweep *Sweep)
}

// Journal records sweep lifecycle changes.
type Journal interface {
	SaveSweep(ctx context.Context, s ledger.Sweep) error
}

// Indicator is lit while a sweep is open.
type Indicator interface {
	Set(lit bool) error
}

// Deps are the collaborators of a Controller. Journal, Indicator and
// Metrics are optional.
type Deps struct {
	Clock     clock.Clock
	Subscribe SubscribeFunc
	Stitcher  Stitcher
	Journal   Journal
	Indicator Indicator
	Metrics   *metrics.Metrics
}

// Controller is safe for concurrent use. HandleStatus and HandleFrame
// are meant to be registered on the status hub and the video bridge.
type Controller struct {
	deps     Deps
	interval time.Duration

	mu           sync.Mutex
	state        State
	sweep        *Sweep
	latest       device.Status
	lastAccepted time.Time
	cancelFrames func()
}

// NewController creates an idle controller that accepts at most one
// frame per interval.
func NewController(interval time.Duration, deps Deps) *Controller {
	return &Controller{deps: deps, interval: interval}
}

// HandleStatus advances the state machine. Only state statuses matter.
func (c *Controller) HandleStatus(st device.Status) {
	if st.Kind() != device.KindState {
		return
	}

	c.mu.Lock()
	c.latest = st
	switch {
	case c.state == Idle && st.CapturePermitted():
		sweep := c.open()
		c.mu.Unlock()
		c.opened(sweep)
	case c.state == Capturing && st.AtHomePosition:
		sweep := c.seal()
		c.mu.Unlock()
		c.sealed(sweep)
	default:
		c.mu.Unlock()
	}
}

// open must be called with mu held.
func (c *Controller) open() *Sweep {
	c.sweep = &Sweep{
		ID:       uuid.NewString(),
		OpenedAt: c.deps.Clock.Now(),
		Phase:    PhaseOpen,
	}
	c.state = Capturing
	c.lastAccepted = time.Time{}
	if c.deps.Subscribe != nil {
		c.cancelFrames = c.deps.Subscribe(c.HandleFrame)
	}
	return c.sweep
}

// seal must be called with mu held.
func (c *Controller) seal() *Sweep {
	if c.cancelFrames != nil {
		c.cancelFrames()
		c.cancelFrames = nil
	}
	sweep := c.sweep
	sweep.SealedAt = c.deps.Clock.Now()
	if len(sweep.Frames) == 0 {
		sweep.Phase = PhaseEmpty
	} else {
		sweep.Phase = PhaseSealed
	}
	c.sweep = nil
	c.state = Idle
	return sweep
}

func (c *Controller) opened(sweep *Sweep) {
	debug.Section("sweep " + sweep.ID)
	debug.Info("sweep opened", "sweep", sweep.ID)
	if c.deps.Indicator != nil {
		if err := c.deps.Indicator.Set(true); err != nil {
			debug.Error("indicator on", err)
		}
	}
	c.journal(ledger.Sweep{ID: sweep.ID, OpenedAt: sweep.OpenedAt, Outcome: ledger.OutcomeOpen})
}

func (c *Controller) sealed(sweep *Sweep) {
	if c.deps.Indicator != nil {
		if err := c.deps.Indicator.Set(false); err != nil {
			debug.Error("indicator off", err)
		}
	}
	debug.Info("sweep sealed", "sweep", sweep.ID, "frames", len(sweep.Frames),
		"duration", sweep.SealedAt.Sub(sweep.OpenedAt))

	if sweep.Phase == PhaseEmpty {
		debug.Warn("no frames captured, skipping stitch", "sweep", sweep.ID)
		c.deps.Metrics.SweepSealed(string(PhaseEmpty))
		c.journal(ledger.Sweep{
			ID: sweep.ID, OpenedAt: sweep.OpenedAt, SealedAt: sweep.SealedAt,
			Outcome: ledger.OutcomeEmpty,
		})
		return
	}
	c.deps.Stitcher.Submit(sweep)
}

func (c *Controller) journal(s ledger.Sweep) {
	if c.deps.Journal == nil {
		return
	}
	if err := c.deps.Journal.SaveSweep(context.Background(), s); err != nil {
		debug.Error("journal sweep", err, "sweep", s.ID)
	}
}

// HandleFrame offers a frame to the open sweep. Frames arriving while
// idle, or sooner than the interval after the last accepted one, are
// dropped.
func (c *Controller) HandleFrame(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Capturing {
		return
	}
	now := c.deps.Clock.Now()
	if len(c.sweep.Frames) > 0 && now.Sub(c.lastAccepted) < c.interval {
		c.deps.Metrics.FrameThrottled()
		return
	}
	c.sweep.Frames = append(c.sweep.Frames, Frame{Data: frame, CapturedAt: now, State: c.latest})
	c.lastAccepted = now
	c.deps.Metrics.FrameCaptured()
	debug.Live("frame captured", "sweep", c.sweep.ID, "index", len(c.sweep.Frames)-1,
		"bytes", len(frame), "position", c.latest.CurrentSetPosition)
}

// State reports the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenSweep summarises the open sweep, if any.
func (c *Controller) OpenSweep() (SweepInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweep == nil {
		return SweepInfo{}, false
	}
	return c.sweep.info(), true
}
