package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/config"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/device"
	"github.com/cjeanneret/RangePano/internal/hw/gpio"
	"github.com/cjeanneret/RangePano/internal/hw/lamp"
	"github.com/cjeanneret/RangePano/internal/hw/serial"
	"github.com/cjeanneret/RangePano/internal/ledger"
	"github.com/cjeanneret/RangePano/internal/logic/capture"
	"github.com/cjeanneret/RangePano/internal/logic/stitch"
	"github.com/cjeanneret/RangePano/internal/metrics"
	"github.com/cjeanneret/RangePano/internal/mirror"
	"github.com/cjeanneret/RangePano/internal/session"
	"github.com/cjeanneret/RangePano/internal/status"
	"github.com/cjeanneret/RangePano/internal/video"
	"github.com/cjeanneret/RangePano/internal/web"
)

const defaultWebPort = 5001

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rangepano: %v\n", err)
		os.Exit(1)
	}
}

// options holds the command line of every subcommand.
type options struct {
	configPath      string
	web             webPortFlag
	serialDevice    string
	frameIntervalMs int
	probeTimeout    time.Duration
}

func newFlagSet(name string, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", filepath.Join("configs", "default.yaml"), "path to config file")
	switch name {
	case "run":
		opts.web.defaultPort = defaultWebPort
		flag := fs.VarPF(&opts.web, "web", "", "serve the web API on port; --web alone uses "+strconv.Itoa(defaultWebPort))
		flag.NoOptDefVal = strconv.Itoa(defaultWebPort)
		fs.StringVar(&opts.serialDevice, "serial-device", "", "override serial.device")
		fs.IntVar(&opts.frameIntervalMs, "frame-interval", 0, "override capture.frame_interval_ms")
	case "probe":
		fs.StringVar(&opts.serialDevice, "serial-device", "", "override serial.device")
		fs.DurationVar(&opts.probeTimeout, "timeout", 10*time.Second, "give up after this long")
	}
	return fs
}

// run dispatches a subcommand. With no subcommand, "run" is assumed.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	name := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		name, args = args[0], args[1:]
	}
	switch name {
	case "run", "validate", "probe":
	case "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", name)
	}

	var opts options
	fs := newFlagSet(name, &opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if err := validateOverrides(opts); err != nil {
		return fmt.Errorf("invalid override: %w", err)
	}
	applyOverrides(cfg, opts)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.SetJSON(cfg.Defaults.LogJSON)

	switch name {
	case "validate":
		fmt.Fprintf(stdout, "%s: ok\n", opts.configPath)
		return nil
	case "probe":
		return probe(ctx, cfg, opts.probeTimeout, stdout)
	default:
		return runRig(ctx, cfg)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `rangepano drives an antenna-range positioner, records video frames
while it sweeps, and stitches each sweep into a mosaic.

Usage:
  rangepano [run] [--config path] [--web[=port]] [--serial-device dev] [--frame-interval ms]
  rangepano validate [--config path]
  rangepano probe [--config path] [--serial-device dev] [--timeout 10s]
`)
}

func loadConfig(path string) (*config.Config, error) {
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// validateOverrides checks command-line overrides. Zero values mean
// "use the config file".
func validateOverrides(opts options) error {
	if opts.frameIntervalMs < 0 {
		return fmt.Errorf("frame-interval must be >= 0, got %d", opts.frameIntervalMs)
	}
	if opts.probeTimeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", opts.probeTimeout)
	}
	return nil
}

// applyOverrides mutates cfg with the non-zero overrides.
func applyOverrides(cfg *config.Config, opts options) {
	if opts.serialDevice != "" {
		cfg.Serial.Device = opts.serialDevice
	}
	if opts.frameIntervalMs > 0 {
		cfg.Capture.FrameIntervalMs = opts.frameIntervalMs
	}
	if port := opts.web.port(); port > 0 {
		cfg.Web.Addr = fmt.Sprintf(":%d", port)
	}
}

func newLink(cfg *config.Config, clk clock.Clock, m *metrics.Metrics) *device.Link {
	return device.NewLink(serial.Opener(cfg.Serial.Device, cfg.Serial.BaudRate), device.LinkConfig{
		Name:             cfg.Serial.Device,
		RetryInterval:    cfg.SerialRetryInterval(),
		MaxRetryInterval: cfg.SerialMaxRetryInterval(),
		AckTimeout:       cfg.AckTimeout(),
	}, clk, m)
}

// probe opens the serial link, asks the positioner for its state and
// prints the reply.
func probe(ctx context.Context, cfg *config.Config, timeout time.Duration, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	link := newLink(cfg, clock.Real(), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !link.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("probe %s: %w", cfg.Serial.Device, device.ErrNotConnected)
		case <-ticker.C:
		}
	}

	st, err := link.Request(ctx, device.QueryStateCommand())
	if err != nil {
		return fmt.Errorf("probe %s: %w", cfg.Serial.Device, err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runRig wires every component and blocks until ctx is cancelled or a
// component fails.
func runRig(ctx context.Context, cfg *config.Config) error {
	debug.Section("initialization")
	debug.Value("serial device", cfg.Serial.Device)
	debug.Value("video address", cfg.Video.Address)
	debug.Value("frame interval", cfg.FrameInterval())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	clk := clock.Real()

	link := newLink(cfg, clk, m)
	hub := status.NewHub(link, clk, cfg.Status.HistoryLimit, m)
	link.OnStatus(hub.Publish)

	var (
		captureJournal capture.Journal
		stitchJournal  stitch.Journal
		sweepLister    web.SweepLister
	)
	if cfg.Ledger.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
			return fmt.Errorf("ledger dir: %w", err)
		}
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer l.Close()
		captureJournal, stitchJournal, sweepLister = l, l, l
	}

	var indicator capture.Indicator
	if cfg.Indicator.Pin > 0 {
		drv, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return fmt.Errorf("init GPIO: %w", err)
		}
		defer func() {
			if err := drv.Close(); err != nil {
				debug.Error("closing GPIO driver", err)
			}
		}()
		l, err := lamp.New(drv, cfg.Indicator.Pin, cfg.Indicator.ActiveLow)
		if err != nil {
			return err
		}
		defer l.Off()
		indicator = l
	}

	viewers := web.NewViewerHub(m)
	thumbs := video.NewThumbnailer(
		cfg.Video.ThumbnailWidth, cfg.Video.ThumbnailHeight, cfg.Video.ThumbnailQuality,
		cfg.Video.ThumbnailWorkers,
		func(thumb []byte) { viewers.Broadcast(thumb) },
		m,
	)
	defer thumbs.Wait()
	bridge := video.NewBridge(video.BridgeConfig{
		Address:       cfg.Video.Address,
		RetryInterval: cfg.VideoRetryInterval(),
		MaxFrameBytes: cfg.Video.MaxFrameBytes,
	}, clk, thumbs, m)

	orch := stitch.NewOrchestrator(stitch.Config{
		Binary:        cfg.Stitch.Binary,
		WorkDir:       cfg.Stitch.WorkDir,
		OutputFile:    cfg.Stitch.OutputFile,
		FramesDir:     cfg.Stitch.FramesDir,
		PublishDir:    cfg.Stitch.PublishDir,
		SweepAngleDeg: cfg.Positioner.SweepAngleDeg,
	}, hub, stitchJournal, clk, m)
	defer orch.Close()

	ctrl := capture.NewController(cfg.FrameInterval(), capture.Deps{
		Clock: clk,
		Subscribe: func(fn func([]byte)) func() {
			return bridge.SubscribeFrames(fn).Close
		},
		Stitcher:  orch,
		Journal:   captureJournal,
		Indicator: indicator,
		Metrics:   m,
	})
	captureSub := hub.Subscribe(ctrl.HandleStatus)
	defer captureSub.Close()

	sessions := session.NewRegistry(clk, cfg.SessionLiveness(), cfg.SessionSweepInterval(), m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(link.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(bridge.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(sessions.Run(gctx)) })

	if cfg.Video.Source.Command != "" {
		src := &video.Source{
			Command:       cfg.Video.Source.Command,
			Args:          cfg.Video.Source.Args,
			Env:           cfg.Video.Source.Env,
			RetryInterval: cfg.VideoRetryInterval(),
			Clock:         clk,
		}
		g.Go(func() error { return ignoreCanceled(src.Run(gctx)) })
	}

	if cfg.MQTT.Broker != "" {
		client, err := mirror.Connect(cfg.MQTT)
		if err != nil {
			debug.Error("status mirror disabled", err)
		} else {
			defer client.Disconnect(250)
			mir := mirror.New(client, cfg.MQTT.Topic, 64)
			mirrorSub := hub.Subscribe(mir.HandleStatus)
			defer mirrorSub.Close()
			g.Go(func() error { return ignoreCanceled(mir.Run(gctx)) })
		}
	}

	if cfg.Web.Addr != "" {
		srv := web.NewServer(cfg.Web.Addr, web.Deps{
			Device:        link,
			Hub:           hub,
			Sessions:      sessions,
			Viewers:       viewers,
			Capture:       ctrl,
			Sweeps:        sweepLister,
			Video:         bridge,
			Gatherer:      reg,
			SweepAngleDeg: cfg.Positioner.SweepAngleDeg,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	debug.Info("rig running", "web", cfg.Web.Addr, "ledger", cfg.Ledger.Path)
	err := g.Wait()
	debug.Info("shutting down")
	return err
}

// webPortFlag implements pflag.Value for --web: 0 = disabled, --web alone
// selects the default port, --web=8980 a custom one.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) Type() string { return "port" }

func (w *webPortFlag) port() int { return w.val }
