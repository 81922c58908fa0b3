package video

import "fmt"

// ConnectError reports a failed connection to the MJPEG source.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect video source %s: %v", e.Addr, e.Err) }

func (e *ConnectError) Unwrap() error { return e.Err }
