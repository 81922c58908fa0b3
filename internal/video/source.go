package video

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/cjeanneret/RangePano/internal/clock"
	"github.com/cjeanneret/RangePano/internal/debug"
)

// Source supervises the external capture process that serves MJPEG on
// the bridge address. The process is restarted after it exits.
type Source struct {
	Command       string
	Args          []string
	Env           []string // appended to the current environment
	RetryInterval time.Duration
	Clock         clock.Clock
}

// Run starts the process and restarts it until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			debug.Warn("capture process exited", "command", s.Command, "code", exit.ExitCode())
		} else if err != nil {
			debug.Error("capture process", err, "command", s.Command)
		} else {
			debug.Warn("capture process exited", "command", s.Command, "code", 0)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(s.RetryInterval):
		}
	}
}

func (s *Source) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	debug.Info("capture process started", "command", s.Command, "pid", cmd.Process.Pid)

	done := make(chan struct{}, 2)
	go func() { debug.LogLines(stdout, "capture stdout"); done <- struct{}{} }()
	go func() { debug.LogLines(stderr, "capture stderr"); done <- struct{}{} }()
	<-done
	<-done
	return cmd.Wait()
}
