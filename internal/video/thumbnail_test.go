package video

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDownscale_Dimensions(t *testing.T) {
	thumb, err := Downscale(testJPEG(t, 640, 360), 385, 250, 75)
	if err != nil {
		t.Fatalf("Downscale: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("thumbnail is not a JPEG: %v", err)
	}
	if cfg.Width != 385 || cfg.Height != 250 {
		t.Errorf("thumbnail = %dx%d, want 385x250", cfg.Width, cfg.Height)
	}
}

func TestDownscale_InvalidFrame(t *testing.T) {
	if _, err := Downscale(fakeFrame("not really a jpeg"), 385, 250, 75); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestThumbnailer_SkipsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	out := make(chan []byte, 4)
	th := NewThumbnailer(32, 20, 75, 1, func(b []byte) {
		<-release
		out <- b
	}, nil)

	frame := testJPEG(t, 64, 40)
	if !th.Submit(frame) {
		t.Fatal("first Submit should find a free worker")
	}
	// The only worker is blocked in out until release.
	deadline := time.Now().Add(2 * time.Second)
	for len(th.sem) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if th.Submit(frame) {
		t.Fatal("second Submit should be skipped while the worker is busy")
	}
	close(release)
	th.Wait()

	if len(out) != 1 {
		t.Fatalf("delivered %d thumbnails, want 1", len(out))
	}
	if th.Submit(frame) != true {
		t.Error("Submit after the worker freed up should succeed")
	}
	th.Wait()
}
