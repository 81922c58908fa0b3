package video

import (
	"bytes"
	"testing"
)

// fakeFrame builds a minimal SOI ... EOI frame with a recognizable body.
func fakeFrame(body string) []byte {
	f := []byte{0xFF, 0xD8}
	f = append(f, body...)
	return append(f, 0xFF, 0xD9)
}

func feedAll(d *Demuxer, chunks ...[]byte) [][]byte {
	var out [][]byte
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return out
}

func TestFeed_SingleFrameAnySplit(t *testing.T) {
	frame := fakeFrame("\x00\x10JFIF\xFF\x00body\xFF\xC0\x11")
	stream := append([]byte("noise\xFF\x00"), frame...)
	stream = append(stream, "trailing"...)

	for k := 0; k <= len(stream); k++ {
		d := NewDemuxer(0)
		got := feedAll(d, stream[:k], stream[k:])
		if len(got) != 1 {
			t.Fatalf("split at %d: got %d frames, want 1", k, len(got))
		}
		if !bytes.Equal(got[0], frame) {
			t.Fatalf("split at %d: frame = %x, want %x", k, got[0], frame)
		}
	}
}

func TestFeed_ByteAtATime(t *testing.T) {
	frames := [][]byte{fakeFrame("first"), fakeFrame("second"), fakeFrame("third")}
	var stream []byte
	for _, f := range frames {
		stream = append(stream, f...)
		stream = append(stream, 0x00, 0xFF)
	}

	d := NewDemuxer(0)
	var got [][]byte
	for _, b := range stream {
		got = append(got, d.Feed([]byte{b})...)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d = %q, want %q", i, got[i], frames[i])
		}
	}
}

func TestFeed_NoEndMarkerBuffersOnly(t *testing.T) {
	d := NewDemuxer(0)
	chunks := [][]byte{{0xFF, 0xD8}, []byte("aaaa"), []byte("bbbb"), {0xFF, 0x00}}
	prev := 0
	for i, c := range chunks {
		if got := d.Feed(c); len(got) != 0 {
			t.Fatalf("chunk %d emitted %d frames", i, len(got))
		}
		if d.Buffered() <= prev {
			t.Fatalf("chunk %d: buffer did not grow (%d -> %d)", i, prev, d.Buffered())
		}
		prev = d.Buffered()
	}
}

func TestFeed_EndThenStartInOneChunk(t *testing.T) {
	d := NewDemuxer(0)
	if got := d.Feed([]byte("\xFF\xD8one")); len(got) != 0 {
		t.Fatal("premature frame")
	}
	got := d.Feed([]byte("\xFF\xD9junk\xFF\xD8two"))
	if len(got) != 1 || !bytes.Equal(got[0], fakeFrame("one")) {
		t.Fatalf("got %q, want frame one", got)
	}
	got = d.Feed([]byte("\xFF\xD9"))
	if len(got) != 1 || !bytes.Equal(got[0], fakeFrame("two")) {
		t.Fatalf("got %q, want frame two", got)
	}
}

func TestFeed_MultipleFramesOneChunk(t *testing.T) {
	d := NewDemuxer(0)
	stream := append(fakeFrame("a"), fakeFrame("b")...)
	got := d.Feed(stream)
	if len(got) != 2 || !bytes.Equal(got[0], fakeFrame("a")) || !bytes.Equal(got[1], fakeFrame("b")) {
		t.Fatalf("got %q", got)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", d.Buffered())
	}
}

func TestFeed_OrphanEndMarker(t *testing.T) {
	d := NewDemuxer(0)
	got := d.Feed([]byte("mid-frame bytes\xFF\xD9"))
	if len(got) != 0 {
		t.Fatalf("orphan emitted %q", got)
	}
	if s := d.Stats(); s.Orphans != 1 {
		t.Errorf("Orphans = %d, want 1", s.Orphans)
	}
	got = d.Feed(fakeFrame("next"))
	if len(got) != 1 || !bytes.Equal(got[0], fakeFrame("next")) {
		t.Fatalf("frame after orphan = %q", got)
	}
}

func TestFeed_StartMarkerRestartsFrame(t *testing.T) {
	d := NewDemuxer(0)
	got := d.Feed([]byte("\xFF\xD8lost\xFF\xD8kept\xFF\xD9"))
	if len(got) != 1 || !bytes.Equal(got[0], fakeFrame("kept")) {
		t.Fatalf("got %q, want only the restarted frame", got)
	}
}

func TestFeed_OverflowResyncs(t *testing.T) {
	d := NewDemuxer(16)
	d.Feed([]byte("\xFF\xD8"))
	d.Feed(bytes.Repeat([]byte{0x01}, 32))
	if d.Buffered() != 0 {
		t.Fatalf("Buffered() = %d after overflow, want 0", d.Buffered())
	}
	if s := d.Stats(); s.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", s.Overflows)
	}
	// Tail of the dropped frame is an orphan; the next frame comes through.
	got := feedAll(d, []byte("\x01\x01\xFF\xD9"), fakeFrame("ok"))
	if len(got) != 1 || !bytes.Equal(got[0], fakeFrame("ok")) {
		t.Fatalf("frame after resync = %q", got)
	}
}

func TestFeed_ContinuationBytesStayBuffered(t *testing.T) {
	d := NewDemuxer(0)
	for _, c := range []string{"continuation-", "data"} {
		if got := d.Feed([]byte(c)); len(got) != 0 {
			t.Fatalf("Feed(%q) emitted %q", c, got)
		}
	}
	if d.Buffered() != 17 {
		t.Fatalf("Buffered() = %d, want 17", d.Buffered())
	}

	// No start marker was ever seen: the end marker discards the buffer.
	if got := d.Feed([]byte{0xFF, 0xD9}); len(got) != 0 {
		t.Fatalf("orphan emitted %q", got)
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d after orphan, want 0", d.Buffered())
	}
	if s := d.Stats(); s.Orphans != 1 {
		t.Errorf("Orphans = %d, want 1", s.Orphans)
	}
}

func TestFeed_OverflowWithoutStartMarker(t *testing.T) {
	d := NewDemuxer(16)
	d.Feed(bytes.Repeat([]byte("x"), 10))
	if d.Buffered() != 10 {
		t.Fatalf("Buffered() = %d, want 10", d.Buffered())
	}
	d.Feed(bytes.Repeat([]byte("x"), 10))
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d after overflow, want 0", d.Buffered())
	}
	if s := d.Stats(); s.Overflows != 1 {
		t.Errorf("Overflows = %d, want 1", s.Overflows)
	}
	if got := d.Feed(fakeFrame("ok")); len(got) != 1 || !bytes.Equal(got[0], fakeFrame("ok")) {
		t.Fatalf("frame after overflow = %q", got)
	}
}

func TestReset(t *testing.T) {
	d := NewDemuxer(0)
	d.Feed([]byte("\xFF\xD8partial"))
	d.Reset()
	if got := d.Feed([]byte("rest\xFF\xD9")); len(got) != 0 {
		t.Fatalf("frame emitted across Reset: %q", got)
	}
}

func TestFeed_FramesAreCopies(t *testing.T) {
	d := NewDemuxer(0)
	chunk := fakeFrame("abc")
	got := d.Feed(chunk)
	chunk[2] = 'X'
	d.Feed(fakeFrame("zzz"))
	if !bytes.Equal(got[0], fakeFrame("abc")) {
		t.Errorf("emitted frame aliased the input: %q", got[0])
	}
}
