package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"

	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/metrics"
)

// Downscale decodes a JPEG frame and re-encodes it at width x height
// using nearest-neighbour sampling.
func Downscale(frame []byte, width, height, quality int) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}

// Thumbnailer downscales frames on a bounded set of workers. Frames
// submitted while every worker is busy are skipped.
type Thumbnailer struct {
	width, height, quality int
	out                    func([]byte)
	metrics                *metrics.Metrics

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewThumbnailer delivers each thumbnail to out from a worker goroutine.
func NewThumbnailer(width, height, quality, workers int, out func([]byte), m *metrics.Metrics) *Thumbnailer {
	if workers <= 0 {
		workers = 1
	}
	return &Thumbnailer{
		width:   width,
		height:  height,
		quality: quality,
		out:     out,
		metrics: m,
		sem:     make(chan struct{}, workers),
	}
}

// Submit starts a downscale of frame and reports whether a worker was
// free. frame must not be modified afterwards.
func (t *Thumbnailer) Submit(frame []byte) bool {
	select {
	case t.sem <- struct{}{}:
	default:
		t.metrics.ThumbnailSkipped()
		return false
	}
	t.wg.Add(1)
	go func() {
		defer func() {
			<-t.sem
			t.wg.Done()
		}()
		thumb, err := Downscale(frame, t.width, t.height, t.quality)
		if err != nil {
			debug.Verbose("thumbnail skipped", "error", err)
			return
		}
		t.out(thumb)
	}()
	return true
}

// Wait blocks until in-flight thumbnails are delivered.
func (t *Thumbnailer) Wait() { t.wg.Wait() }
