// Package video recovers JPEG frames from the MJPEG byte stream of the
// capture process and distributes them to the recorder and viewers.
package video

import "bytes"

const (
	marker = 0xFF
	soi    = 0xD8 // start of image
	eoi    = 0xD9 // end of image
)

// DemuxStats counts stream anomalies since the demuxer was created.
type DemuxStats struct {
	Frames    int // complete frames emitted
	Orphans   int // end markers seen with no frame open
	Overflows int // buffers dropped for exceeding the cap
}

// Demuxer scans an unframed byte stream for SOI/EOI marker pairs and
// emits each complete frame, markers included. Markers may straddle
// Feed calls. Bytes without markers stay buffered until a marker
// decides their fate: a start marker drops what precedes it, and an end
// marker with no open frame drops the buffer as an orphan. A Demuxer is
// not safe for concurrent use.
type Demuxer struct {
	maxFrame int

	buf     []byte
	inFrame bool
	scanned int // bytes of buf already searched for markers
	stats   DemuxStats
}

// NewDemuxer returns a demuxer that drops its buffer once it holds more
// than maxFrame bytes. maxFrame <= 0 means no limit.
func NewDemuxer(maxFrame int) *Demuxer {
	return &Demuxer{maxFrame: maxFrame}
}

// Feed appends chunk to the stream and returns the frames it completed,
// in stream order. Returned slices are owned by the caller.
func (d *Demuxer) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(d.buf[d.scanned:], marker)
		if i < 0 {
			d.scanned = len(d.buf)
			break
		}
		pos := d.scanned + i
		if pos+1 >= len(d.buf) {
			// Trailing 0xFF: the next chunk decides what it is.
			d.scanned = pos
			break
		}

		switch d.buf[pos+1] {
		case soi:
			// Anything before a start marker is not part of a frame.
			d.discard(pos)
			d.inFrame = true
			d.scanned = 2
		case eoi:
			end := pos + 2
			if d.inFrame {
				frame := make([]byte, end)
				copy(frame, d.buf[:end])
				frames = append(frames, frame)
				d.stats.Frames++
			} else {
				d.stats.Orphans++
			}
			d.discard(end)
			d.inFrame = false
			d.scanned = 0
		default:
			d.scanned = pos + 1
		}
	}

	if d.maxFrame > 0 && len(d.buf) > d.maxFrame {
		d.stats.Overflows++
		d.buf = d.buf[:0]
		d.inFrame = false
		d.scanned = 0
	}
	return frames
}

// discard drops the first n bytes of the buffer.
func (d *Demuxer) discard(n int) {
	if n <= 0 {
		return
	}
	m := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:m]
}

// Buffered returns the number of bytes held since the last frame
// boundary.
func (d *Demuxer) Buffered() int { return len(d.buf) }

// Stats returns anomaly counters.
func (d *Demuxer) Stats() DemuxStats { return d.stats }

// Reset forgets any partial frame, for use after a reconnect.
func (d *Demuxer) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.scanned = 0
}
