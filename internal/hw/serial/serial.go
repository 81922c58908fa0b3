// Package serial opens a tty in raw 8N1 mode for the positioner
// controller.
package serial

import (
	"fmt"
	"io"
)

// Opener returns a function that opens path at baud each time it is
// called, in the shape device.Link expects.
func Opener(path string, baud int) func() (io.ReadWriteCloser, error) {
	return func() (io.ReadWriteCloser, error) {
		f, err := Open(path, baud)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

func unsupportedBaud(baud int) error {
	return fmt.Errorf("unsupported baud rate %d", baud)
}
