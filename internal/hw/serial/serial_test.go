package serial

import (
	"path/filepath"
	"testing"
)

func TestOpen_MissingDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttyACM9")
	if _, err := Open(path, 9600); err == nil {
		t.Fatal("expected error opening a missing device")
	}
}

func TestOpener_PropagatesError(t *testing.T) {
	open := Opener(filepath.Join(t.TempDir(), "ttyACM9"), 9600)
	rw, err := open()
	if err == nil || rw != nil {
		t.Fatalf("open() = %v, %v; want nil, error", rw, err)
	}
}
