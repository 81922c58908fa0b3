package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// Opener opens the serial port. It is called again after every failure.
type Opener func() (io.ReadWriteCloser, error)

// LinkConfig tunes the reopen loop.
type LinkConfig struct {
	Name             string        // port name for logs
	RetryInterval    time.Duration // delay before reopening
	MaxRetryInterval time.Duration // backoff ceiling, <= RetryInterval means fixed cadence
	AckTimeout       time.Duration // Request wait
	MaxLineBytes     int           // longer inbound lines are dropped, 0 = 64 KiB
}

// Link owns the single connection to the positioner controller.
// Writes are serialized; inbound statuses are handed to the OnStatus
// handler in arrival order from the reader goroutine.
type Link struct {
	open    Opener
	cfg     LinkConfig
	clock   clock.Clock
	metrics *metrics.Metrics

	writeMu sync.Mutex

	mu      sync.Mutex
	port    io.ReadWriteCloser
	pending []*waiter
	handler func(Status)
}

type waiter struct {
	ch chan Status
}

// NewLink creates a link. Call Run to start it.
func NewLink(open Opener, cfg LinkConfig, clk clock.Clock, m *metrics.Metrics) *Link {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 << 10
	}
	return &Link{open: open, cfg: cfg, clock: clk, metrics: m}
}

// OnStatus registers the handler for inbound statuses.
func (l *Link) OnStatus(fn func(Status)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

// Connected reports whether a port is currently open.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Run keeps the port open until ctx is cancelled. Open failures and
// unexpected closes are logged and retried without limit.
func (l *Link) Run(ctx context.Context) error {
	delay := l.cfg.RetryInterval
	for {
		port, err := l.open()
		if err != nil {
			debug.Error("open serial port", &LinkError{Op: "open", Err: err},
				"device", l.cfg.Name, "retry_in", delay)
		} else {
			debug.Info("serial link open", "device", l.cfg.Name)
			delay = l.cfg.RetryInterval
			l.attach(port)
			err = l.serve(ctx, port)
			l.detach(port)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			debug.Warn("serial link closed, reopening", "device", l.cfg.Name, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
		l.metrics.LinkReopen()
		delay = nextDelay(delay, l.cfg.RetryInterval, l.cfg.MaxRetryInterval)
	}
}

func nextDelay(cur, base, ceiling time.Duration) time.Duration {
	if ceiling <= base {
		return base
	}
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

func (l *Link) attach(port io.ReadWriteCloser) {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
	l.metrics.LinkUp(true)
}

func (l *Link) detach(port io.ReadWriteCloser) {
	l.mu.Lock()
	if l.port == port {
		l.port = nil
	}
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, w := range pending {
		close(w.ch)
	}
	_ = port.Close()
	l.metrics.LinkUp(false)
}

// serve reads lines until the port fails or ctx is cancelled.
func (l *Link) serve(ctx context.Context, port io.ReadWriteCloser) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = port.Close()
		case <-stop:
		}
	}()

	r := bufio.NewReader(port)
	var line []byte
	discarding := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !discarding {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if !discarding && len(line) > l.cfg.MaxLineBytes {
				debug.Warn("dropping oversized status line", "bytes", len(line))
				l.metrics.ParseError()
				discarding = true
				line = line[:0]
			}
			continue
		}
		if err != nil {
			return err
		}
		if !discarding {
			l.handleLine(line)
		}
		discarding = false
		line = line[:0]
	}
}

func (l *Link) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	debug.Trace("serial rx", "line", string(line))

	st, err := ParseStatus(line)
	if err != nil {
		l.metrics.ParseError()
		debug.Warn("dropping status line", "error", err)
		return
	}

	l.mu.Lock()
	var w *waiter
	if len(l.pending) > 0 {
		w = l.pending[0]
		l.pending = l.pending[1:]
	}
	h := l.handler
	l.mu.Unlock()

	if w != nil {
		w.ch <- st
	}
	if h != nil {
		h(st)
	}
}

// Send writes one command. A nil error means the bytes were handed to
// the port, not that the controller acted on them.
func (l *Link) Send(cmd Command) error {
	b, err := Encode(cmd)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.write(cmd, b)
}

func (l *Link) write(cmd Command, b []byte) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return &LinkError{Op: "write", Err: ErrNotConnected}
	}
	if _, err := port.Write(b); err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	l.metrics.CommandSent(string(cmd.Kind))
	debug.Live("command sent", "command", cmd.String())
	return nil
}

// Request sends cmd and waits for the next status from the controller.
// Concurrent requests are answered in the order they were written.
func (l *Link) Request(ctx context.Context, cmd Command) (Status, error) {
	b, err := Encode(cmd)
	if err != nil {
		return Status{}, err
	}
	w := &waiter{ch: make(chan Status, 1)}

	l.writeMu.Lock()
	l.mu.Lock()
	if l.port == nil {
		l.mu.Unlock()
		l.writeMu.Unlock()
		return Status{}, &LinkError{Op: "request", Err: ErrNotConnected}
	}
	l.pending = append(l.pending, w)
	l.mu.Unlock()
	err = l.write(cmd, b)
	l.writeMu.Unlock()
	if err != nil {
		l.dropWaiter(w)
		return Status{}, err
	}

	select {
	case st, ok := <-w.ch:
		if !ok {
			return Status{}, &LinkError{Op: "request", Err: ErrNotConnected}
		}
		return st, nil
	case <-l.clock.After(l.cfg.AckTimeout):
		l.dropWaiter(w)
		return Status{}, &LinkError{Op: "request", Err: ErrAckTimeout}
	case <-ctx.Done():
		l.dropWaiter(w)
		return Status{}, ctx.Err()
	}
}

func (l *Link) dropWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.pending {
		if p == w {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// Reset closes the open port so that Run reopens it.
func (l *Link) Reset() {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port != nil {
		debug.Info("resetting serial link", "device", l.cfg.Name)
		_ = port.Close()
	}
}
