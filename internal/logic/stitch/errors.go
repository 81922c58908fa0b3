package stitch

import (
	"errors"
	"fmt"
)

// ErrNoArtifact means the stitcher exited without producing the mosaic.
var ErrNoArtifact = errors.New("stitcher produced no artifact")

// Failure is a sweep that could not be turned into a mosaic. Failed
// sweeps are not retried.
type Failure struct {
	SweepID string
	Err     error
}

func (f *Failure) Error() string { return fmt.Sprintf("stitch sweep %s: %v", f.SweepID, f.Err) }

func (f *Failure) Unwrap() error { return f.Err }
