package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/ledger"
)

// frameFeed stands in for the video bridge.
type frameFeed struct {
	mu      sync.Mutex
	fn      func([]byte)
	cancels int
}

func (f *frameFeed) subscribe(fn func([]byte)) func() {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.fn = nil
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *frameFeed) push(data string) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

func (f *frameFeed) attached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fn != nil
}

type recordingStitcher struct {
	sweeps []*Sweep
}

func (r *recordingStitcher) Submit(s *Sweep) { r.sweeps = append(r.sweeps, s) }

type recordingJournal struct {
	rows []ledger.Sweep
	err  error
}

func (r *recordingJournal) SaveSweep(_ context.Context, s ledger.Sweep) error {
	r.rows = append(r.rows, s)
	return r.err
}

type recordingIndicator struct {
	history []bool
}

func (r *recordingIndicator) Set(lit bool) error {
	r.history = append(r.history, lit)
	return nil
}

type harness struct {
	ctrl      *Controller
	clock     *clock.FakeClock
	feed      *frameFeed
	stitcher  *recordingStitcher
	journal   *recordingJournal
	indicator *recordingIndicator
}

func newHarness() *harness {
	h := &harness{
		clock:     clock.Fake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		feed:      &frameFeed{},
		stitcher:  &recordingStitcher{},
		journal:   &recordingJournal{},
		indicator: &recordingIndicator{},
	}
	h.ctrl = NewController(5000*time.Millisecond, Deps{
		Clock:     h.clock,
		Subscribe: h.feed.subscribe,
		Stitcher:  h.stitcher,
		Journal:   h.journal,
		Indicator: h.indicator,
	})
	return h
}

func stateStatus(homed, atHome bool, position int) device.Status {
	return device.Status{
		Message:            "state",
		HasHomed:           homed,
		AtHomePosition:     atHome,
		CurrentSetPosition: position,
	}
}

func TestController_SweepScenario(t *testing.T) {
	h := newHarness()

	h.ctrl.HandleStatus(stateStatus(true, false, 10))
	if h.ctrl.State() != Capturing {
		t.Fatalf("state = %v, want capturing", h.ctrl.State())
	}

	h.feed.push("f0")
	h.clock.Advance(2000 * time.Millisecond)
	h.feed.push("f2000")
	h.clock.Advance(4000 * time.Millisecond)
	h.ctrl.HandleStatus(stateStatus(true, false, 600))
	h.feed.push("f6000")

	h.ctrl.HandleStatus(stateStatus(true, true, 0))

	if h.ctrl.State() != Idle {
		t.Errorf("state after home = %v, want idle", h.ctrl.State())
	}
	if len(h.stitcher.sweeps) != 1 {
		t.Fatalf("submitted %d sweeps, want 1", len(h.stitcher.sweeps))
	}
	sweep := h.stitcher.sweeps[0]
	if sweep.Phase != PhaseSealed {
		t.Errorf("phase = %q, want sealed", sweep.Phase)
	}
	if len(sweep.Frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(sweep.Frames))
	}
	if string(sweep.Frames[0].Data) != "f0" || string(sweep.Frames[1].Data) != "f6000" {
		t.Errorf("frames = %q, %q", sweep.Frames[0].Data, sweep.Frames[1].Data)
	}
	if got := sweep.Frames[1].CapturedAt.Sub(sweep.Frames[0].CapturedAt); got != 6*time.Second {
		t.Errorf("frame spacing = %v, want 6s", got)
	}
	if sweep.Frames[0].State.CurrentSetPosition != 10 || sweep.Frames[1].State.CurrentSetPosition != 600 {
		t.Errorf("frame states carry positions %d and %d, want 10 and 600",
			sweep.Frames[0].State.CurrentSetPosition, sweep.Frames[1].State.CurrentSetPosition)
	}
	if !sweep.SealedAt.Equal(sweep.OpenedAt.Add(6 * time.Second)) {
		t.Errorf("sealed at %v, opened at %v", sweep.SealedAt, sweep.OpenedAt)
	}
	if h.feed.attached() || h.feed.cancels != 1 {
		t.Errorf("frame subscription still attached (cancels=%d)", h.feed.cancels)
	}
}

func TestController_ThrottleBoundary(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleStatus(stateStatus(true, false, 0))

	h.feed.push("a")
	h.clock.Advance(4999 * time.Millisecond)
	h.feed.push("b")
	h.clock.Advance(1 * time.Millisecond)
	h.feed.push("c")

	info, ok := h.ctrl.OpenSweep()
	if !ok {
		t.Fatal("no open sweep")
	}
	if info.FrameCount != 2 {
		t.Errorf("frame count = %d, want 2", info.FrameCount)
	}
	if !info.LastFrame.Equal(h.clock.Now()) {
		t.Errorf("last frame at %v, want %v", info.LastFrame, h.clock.Now())
	}
}

func TestController_IdleDropsFrames(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleFrame([]byte("stray"))
	if _, ok := h.ctrl.OpenSweep(); ok {
		t.Error("frame while idle opened a sweep")
	}
}

func TestController_RequiresHoming(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleStatus(stateStatus(false, false, 100))
	if h.ctrl.State() != Idle {
		t.Error("capture started before homing")
	}
	h.ctrl.HandleStatus(stateStatus(true, true, 0))
	if h.ctrl.State() != Idle {
		t.Error("capture started at home")
	}
	if len(h.stitcher.sweeps) != 0 || len(h.journal.rows) != 0 {
		t.Error("home while idle produced a sweep")
	}
}

func TestController_QualifyingStateWhileCapturingIsNoop(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleStatus(stateStatus(true, false, 0))
	first, _ := h.ctrl.OpenSweep()
	h.feed.push("a")

	h.ctrl.HandleStatus(stateStatus(true, false, 50))
	second, _ := h.ctrl.OpenSweep()
	if first.ID != second.ID {
		t.Errorf("sweep replaced: %s -> %s", first.ID, second.ID)
	}
	if second.FrameCount != 1 {
		t.Errorf("frame count = %d, want 1", second.FrameCount)
	}
	if len(h.indicator.history) != 1 {
		t.Errorf("indicator toggled %d times, want 1", len(h.indicator.history))
	}
}

func TestController_EmptySweepSkipsStitch(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleStatus(stateStatus(true, false, 0))
	h.clock.Advance(3 * time.Second)
	h.ctrl.HandleStatus(stateStatus(true, true, 0))

	if len(h.stitcher.sweeps) != 0 {
		t.Fatalf("stitcher received %d sweeps, want 0", len(h.stitcher.sweeps))
	}
	if h.ctrl.State() != Idle {
		t.Errorf("state = %v, want idle", h.ctrl.State())
	}
	if len(h.journal.rows) != 2 {
		t.Fatalf("journal rows = %d, want 2", len(h.journal.rows))
	}
	if h.journal.rows[0].Outcome != ledger.OutcomeOpen || h.journal.rows[1].Outcome != ledger.OutcomeEmpty {
		t.Errorf("outcomes = %q, %q", h.journal.rows[0].Outcome, h.journal.rows[1].Outcome)
	}
	if h.journal.rows[1].SealedAt.Sub(h.journal.rows[1].OpenedAt) != 3*time.Second {
		t.Errorf("journal sealed/opened = %v / %v", h.journal.rows[1].SealedAt, h.journal.rows[1].OpenedAt)
	}
}

func TestController_IndicatorFollowsSweep(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleStatus(stateStatus(true, false, 0))
	h.feed.push("a")
	h.ctrl.HandleStatus(stateStatus(true, true, 0))

	want := []bool{true, false}
	if len(h.indicator.history) != len(want) {
		t.Fatalf("indicator history = %v, want %v", h.indicator.history, want)
	}
	for i := range want {
		if h.indicator.history[i] != want[i] {
			t.Errorf("indicator[%d] = %v, want %v", i, h.indicator.history[i], want[i])
		}
	}
}

func TestController_ConsecutiveSweeps(t *testing.T) {
	h := newHarness()
	for i := 0; i < 2; i++ {
		h.ctrl.HandleStatus(stateStatus(true, false, 0))
		h.feed.push("frame")
		h.clock.Advance(10 * time.Second)
		h.ctrl.HandleStatus(stateStatus(true, true, 0))
	}
	if len(h.stitcher.sweeps) != 2 {
		t.Fatalf("sweeps = %d, want 2", len(h.stitcher.sweeps))
	}
	if h.stitcher.sweeps[0].ID == h.stitcher.sweeps[1].ID {
		t.Error("sweeps share an id")
	}
	if len(h.stitcher.sweeps[1].Frames) != 1 {
		t.Errorf("second sweep frames = %d, want 1 (throttle must reset)", len(h.stitcher.sweeps[1].Frames))
	}
}

func TestController_IgnoresNonStateStatuses(t *testing.T) {
	h := newHarness()
	h.ctrl.HandleStatus(device.Status{Message: "init", HasHomed: true})
	h.ctrl.HandleStatus(device.Status{Message: "homing", HasHomed: true})
	if h.ctrl.State() != Idle {
		t.Error("non-state status opened a sweep")
	}
}

func TestController_JournalErrorIsContained(t *testing.T) {
	h := newHarness()
	h.journal.err = errors.New("disk full")
	h.ctrl.HandleStatus(stateStatus(true, false, 0))
	if h.ctrl.State() != Capturing {
		t.Error("journal failure prevented capture")
	}
}

func TestController_OptionalDeps(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	st := &recordingStitcher{}
	ctrl := NewController(time.Second, Deps{Clock: clk, Stitcher: st})
	ctrl.HandleStatus(stateStatus(true, false, 0))
	ctrl.HandleFrame([]byte("a"))
	ctrl.HandleStatus(stateStatus(true, true, 0))
	if len(st.sweeps) != 1 {
		t.Errorf("sweeps = %d, want 1", len(st.sweeps))
	}
}
