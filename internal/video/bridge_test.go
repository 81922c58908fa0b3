package video

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RangePano/internal/clock"
)

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	ch     chan struct{}
}

func newFrameSink() *frameSink { return &frameSink{ch: make(chan struct{}, 64)} }

func (s *frameSink) add(f []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *frameSink) wait(t *testing.T, n int) [][]byte {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d frames, want %d", i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func startBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	})
}

func TestBridge_DeliversFramesInOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	b := NewBridge(BridgeConfig{Address: ln.Addr().String(), ReadBuffer: 7}, clock.Real(), nil, nil)
	sink := newFrameSink()
	b.SubscribeFrames(sink.add)
	startBridge(t, b)

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	stream := append(fakeFrame("one"), []byte("gap")...)
	stream = append(stream, fakeFrame("two")...)
	if _, err := conn.Write(stream); err != nil {
		t.Fatal(err)
	}

	got := sink.wait(t, 2)
	if !bytes.Equal(got[0], fakeFrame("one")) || !bytes.Equal(got[1], fakeFrame("two")) {
		t.Errorf("frames = %q", got)
	}
}

func TestBridge_ReconnectsAfterRetryInterval(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBridge(BridgeConfig{Address: ln.Addr().String(), RetryInterval: 2 * time.Second}, clk, nil, nil)
	sink := newFrameSink()
	b.SubscribeFrames(sink.add)
	startBridge(t, b)

	first, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	// Half a frame, then the source goes away.
	first.Write([]byte("\xFF\xD8half"))
	first.Close()

	clk.BlockUntil(1)
	clk.Advance(2 * time.Second)

	second, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.Write([]byte("rest\xFF\xD9"))
	second.Write(fakeFrame("whole"))

	got := sink.wait(t, 1)
	if len(got) != 1 || !bytes.Equal(got[0], fakeFrame("whole")) {
		t.Errorf("frames = %q, want only the frame sent after reconnect", got)
	}
}

func TestBridge_RetriesFailedDial(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBridge(BridgeConfig{Address: "source:5000", RetryInterval: 2 * time.Second}, clk, nil, nil)

	var mu sync.Mutex
	dials := 0
	b.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, errors.New("connection refused")
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return dials
	}
	startBridge(t, b)

	clk.BlockUntil(1)
	if count() != 1 {
		t.Fatalf("dials = %d, want 1", count())
	}
	clk.Advance(time.Second)
	if count() != 1 {
		t.Fatalf("dials before retry interval = %d, want 1", count())
	}
	clk.Advance(time.Second)
	clk.BlockUntil(1)
	if count() != 2 {
		t.Fatalf("dials after retry interval = %d, want 2", count())
	}
}

func TestFrameSubscription_Close(t *testing.T) {
	b := NewBridge(BridgeConfig{Address: "unused:0"}, clock.Real(), nil, nil)
	n := 0
	sub := b.SubscribeFrames(func([]byte) { n++ })
	b.feed(fakeFrame("a"))
	sub.Close()
	sub.Close()
	b.feed(fakeFrame("b"))
	if n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestBridge_OffersFramesToThumbnailer(t *testing.T) {
	out := make(chan []byte, 1)
	th := NewThumbnailer(16, 10, 75, 1, func(b []byte) { out <- b }, nil)
	b := NewBridge(BridgeConfig{Address: "unused:0"}, clock.Real(), th, nil)

	b.feed(testJPEG(t, 40, 30))
	th.Wait()
	select {
	case thumb := <-out:
		if len(thumb) == 0 {
			t.Error("empty thumbnail")
		}
	default:
		t.Fatal("no thumbnail produced")
	}
}
