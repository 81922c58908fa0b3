// Package stitch turns sealed sweeps into published mosaics.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/ledger"
	"github.com/cjeanneret/RangePano/internal/logic/capture"
	"github.com/cjeanneret/RangePano/internal/logic/geometry"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// Config locates the stitcher and the directories it works with.
type Config struct {
	Binary        string
	WorkDir       string
	OutputFile    string // artifact written by Binary; its existence means success
	FramesDir     string
	PublishDir    string
	SweepAngleDeg float64 // used to derive per-frame azimuth
}

// Publisher receives the init status announcing a mosaic.
type Publisher interface {
	Publish(st device.Status)
}

// Journal persists stitch progress.
type Journal interface {
	SaveSweep(ctx context.Context, s ledger.Sweep) error
	SaveFrames(ctx context.Context, sweepID string, frames []ledger.Frame) error
}

// Orchestrator runs one stitch at a time; the output file is shared
// between runs.
type Orchestrator struct {
	cfg     Config
	pub     Publisher
	journal Journal
	clock   clock.Clock
	metrics *metrics.Metrics
	runner  Runner

	runMu  sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator using ExecRunner. journal may
// be nil. Relative directories in cfg are resolved against the current
// working directory, since the stitcher itself runs in WorkDir.
func NewOrchestrator(cfg Config, pub Publisher, journal Journal, clk clock.Clock, m *metrics.Metrics) *Orchestrator {
	cfg.WorkDir = absPath(cfg.WorkDir)
	cfg.OutputFile = absPath(cfg.OutputFile)
	cfg.FramesDir = absPath(cfg.FramesDir)
	cfg.PublishDir = absPath(cfg.PublishDir)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		pub:     pub,
		journal: journal,
		clock:   clk,
		metrics: m,
		runner:  ExecRunner{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// absPath returns p as an absolute path. Empty paths keep their
// "use the default" meaning.
func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		debug.Warn("cannot resolve path", "path", p, "error", err)
		return p
	}
	return abs
}

// Submit stitches sweep in the background.
func (o *Orchestrator) Submit(sweep *capture.Sweep) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(o.ctx, sweep); err != nil {
			debug.Error("stitch", err, "sweep", sweep.ID)
		}
	}()
}

// Wait blocks until every submitted sweep has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close aborts running stitches and waits for them.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Run stitches the frames of sweep and publishes the mosaic. It returns
// the new mosaic id.
func (o *Orchestrator) Run(ctx context.Context, sweep *capture.Sweep) (string, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	sort.SliceStable(sweep.Frames, func(i, j int) bool {
		return sweep.Frames[i].CapturedAt.Before(sweep.Frames[j].CapturedAt)
	})
	sweep.Phase = capture.PhaseStitching
	debug.Section("stitch " + sweep.ID)

	paths, err := o.persist(ctx, sweep)
	if err != nil {
		return "", o.fail(ctx, sweep, err)
	}
	o.record(ctx, sweep, ledger.OutcomeStitching, "", nil)

	if err := os.Remove(o.cfg.OutputFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", o.fail(ctx, sweep, fmt.Errorf("remove stale artifact: %w", err))
	}

	start := o.clock.Now()
	code, err := o.runner.Run(ctx, o.cfg.WorkDir, o.cfg.Binary, paths)
	o.metrics.StitchDuration(o.clock.Now().Sub(start))
	if err != nil {
		debug.Error("stitcher did not run", err, "binary", o.cfg.Binary)
	} else {
		debug.Info("stitcher exited", "code", code, "elapsed", o.clock.Now().Sub(start))
	}
	if ctx.Err() != nil {
		return "", o.fail(context.Background(), sweep, ctx.Err())
	}

	if _, err := os.Stat(o.cfg.OutputFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = ErrNoArtifact
		}
		return "", o.fail(ctx, sweep, err)
	}

	id := uuid.NewString()
	if err := o.publish(id); err != nil {
		return "", o.fail(ctx, sweep, err)
	}
	sweep.Phase = capture.PhaseDone
	o.metrics.SweepSealed(string(capture.PhaseDone))
	o.record(ctx, sweep, ledger.OutcomeDone, id, nil)
	debug.Info("mosaic published", "sweep", sweep.ID, "mosaic", id)
	o.pub.Publish(device.NewInitStatus(id))
	return id, nil
}

// persist writes the frames as <index>.jpg into a fresh directory and
// returns their paths in order.
func (o *Orchestrator) persist(ctx context.Context, sweep *capture.Sweep) ([]string, error) {
	parent := o.cfg.FramesDir
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("frames dir: %w", err)
	}
	dir, err := os.MkdirTemp(parent, "sweep-"+sweep.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("frames dir: %w", err)
	}

	paths := make([]string, 0, len(sweep.Frames))
	rows := make([]ledger.Frame, 0, len(sweep.Frames))
	for i, f := range sweep.Frames {
		path := filepath.Join(dir, strconv.Itoa(i)+".jpg")
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return nil, fmt.Errorf("write frame %d: %w", i, err)
		}
		paths = append(paths, path)
		rows = append(rows, ledger.Frame{
			Index:      i,
			CapturedAt: f.CapturedAt,
			Path:       path,
			Size:       len(f.Data),
			Digest:     ledger.Digest(f.Data),
			AzimuthDeg: o.azimuth(f.State),
			State:      f.State,
		})
	}
	debug.Verbose("frames written", "sweep", sweep.ID, "dir", dir, "count", len(paths))

	if o.journal != nil {
		if err := o.journal.SaveFrames(ctx, sweep.ID, rows); err != nil {
			debug.Error("journal frames", err, "sweep", sweep.ID)
		}
	}
	return paths, nil
}

func (o *Orchestrator) azimuth(st device.Status) *float64 {
	if o.cfg.SweepAngleDeg <= 0 {
		return nil
	}
	calc, err := geometry.FromStatus(st, o.cfg.SweepAngleDeg)
	if err != nil {
		return nil
	}
	deg := calc.AngleFromSteps(st.CurrentSetPosition)
	return &deg
}

// publish copies the artifact to PublishDir/id.
func (o *Orchestrator) publish(id string) error {
	if err := os.MkdirAll(o.cfg.PublishDir, 0o755); err != nil {
		return fmt.Errorf("publish dir: %w", err)
	}
	src, err := os.Open(o.cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(o.cfg.PublishDir, id))
	if err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("publish artifact: %w", err)
	}
	return dst.Close()
}

func (o *Orchestrator) fail(ctx context.Context, sweep *capture.Sweep, err error) error {
	sweep.Phase = capture.PhaseFailed
	o.metrics.SweepSealed(string(capture.PhaseFailed))
	o.record(ctx, sweep, ledger.OutcomeFailed, "", err)
	return &Failure{SweepID: sweep.ID, Err: err}
}

func (o *Orchestrator) record(ctx context.Context, sweep *capture.Sweep, outcome, mosaicID string, cause error) {
	if o.journal == nil {
		return
	}
	row := ledger.Sweep{
		ID:         sweep.ID,
		OpenedAt:   sweep.OpenedAt,
		SealedAt:   sweep.SealedAt,
		FrameCount: len(sweep.Frames),
		Outcome:    outcome,
		MosaicID:   mosaicID,
	}
	if cause != nil {
		row.Error = cause.Error()
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.journal.SaveSweep(ctx, row); err != nil {
		debug.Error("journal sweep", err, "sweep", sweep.ID)
	}
}
