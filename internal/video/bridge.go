package video

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// Dialer opens the connection to the MJPEG source.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// BridgeConfig tunes the source connection.
type BridgeConfig struct {
	Address       string
	RetryInterval time.Duration
	MaxFrameBytes int // 0 = unbounded
	ReadBuffer    int // bytes per read, 0 = 64 KiB
}

// Bridge keeps one TCP connection to the capture process, demuxes the
// stream, hands every frame to frame subscribers in stream order, and
// offers it to the thumbnailer for live viewers.
type Bridge struct {
	cfg     BridgeConfig
	dial    Dialer
	clock   clock.Clock
	thumbs  *Thumbnailer
	metrics *metrics.Metrics

	demux     *Demuxer
	connected atomic.Bool

	mu   sync.Mutex
	subs []*FrameSubscription
}

// FrameSubscription is a handle on a frame handler.
type FrameSubscription struct {
	bridge *Bridge
	fn     func([]byte)
	closed atomic.Bool
}

// Close stops delivery; safe to call more than once or from the handler.
func (s *FrameSubscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	b := s.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// NewBridge creates a bridge. thumbs may be nil when there are no viewers.
func NewBridge(cfg BridgeConfig, clk clock.Clock, thumbs *Thumbnailer, m *metrics.Metrics) *Bridge {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 64 << 10
	}
	var d net.Dialer
	return &Bridge{
		cfg:     cfg,
		dial:    d.DialContext,
		clock:   clk,
		thumbs:  thumbs,
		metrics: m,
		demux:   NewDemuxer(cfg.MaxFrameBytes),
	}
}

// SubscribeFrames registers fn for every raw frame. fn runs on the
// reader goroutine and must not modify or retain-and-modify the slice.
func (b *Bridge) SubscribeFrames(fn func(frame []byte)) *FrameSubscription {
	sub := &FrameSubscription{bridge: b, fn: fn}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Connected reports whether the source connection is open.
func (b *Bridge) Connected() bool { return b.connected.Load() }

// Run connects and reconnects until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		conn, err := b.dial(ctx, "tcp", b.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			debug.Warn("video source unavailable",
				"error", &ConnectError{Addr: b.cfg.Address, Err: err}, "retry_in", b.cfg.RetryInterval)
		} else {
			err = b.serve(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			debug.Warn("video stream closed, reconnecting", "error", err, "retry_in", b.cfg.RetryInterval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(b.cfg.RetryInterval):
		}
	}
}

func (b *Bridge) serve(ctx context.Context, conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	debug.Info("video source connected", "addr", b.cfg.Address)
	b.connected.Store(true)
	b.metrics.VideoConnected(true)
	b.demux.Reset()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		conn.Close()
		b.connected.Store(false)
		b.metrics.VideoConnected(false)
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, b.cfg.ReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.feed(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

func (b *Bridge) feed(chunk []byte) {
	before := b.demux.Stats()
	frames := b.demux.Feed(chunk)
	after := b.demux.Stats()
	for i := before.Orphans; i < after.Orphans; i++ {
		b.metrics.OrphanFrame()
		debug.Verbose("discarded partial frame without start marker")
	}
	for i := before.Overflows; i < after.Overflows; i++ {
		b.metrics.DemuxOverflow()
		debug.Warn("dropped oversized frame", "limit", b.cfg.MaxFrameBytes)
	}

	for _, f := range frames {
		b.metrics.FrameDemuxed()
		b.dispatch(f)
	}
}

func (b *Bridge) dispatch(frame []byte) {
	b.mu.Lock()
	subs := make([]*FrameSubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.closed.Load() {
			s.fn(frame)
		}
	}
	if b.thumbs != nil {
		b.thumbs.Submit(frame)
	}
}
