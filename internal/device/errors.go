package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no serial port is open.
	ErrNotConnected = errors.New("serial link not connected")
	// ErrAckTimeout is returned by Request when no status arrives in time.
	ErrAckTimeout = errors.New("no response from controller")
)

// LinkError reports a failure to open, write to, or hear back from the
// serial link.
type LinkError struct {
	Op  string // "open", "write", "request"
	Err error
}

func (e *LinkError) Error() string { return fmt.Sprintf("device link %s: %v", e.Op, e.Err) }

func (e *LinkError) Unwrap() error { return e.Err }

// ParseError reports an inbound line that is not a valid status.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return fmt.Sprintf("parse status %q: %v", line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
