package stitch

import (
	"context"
	"errors"
	"os/exec"

	"github.com/cjeanneret/RangePano/internal/debug"
)

// Runner executes the stitcher. The returned exit code is informational
// only; err is set when the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, dir, binary string, args []string) (exitCode int, err error)
}

// ExecRunner runs the stitcher as a child process and streams its
// output into the log.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, binary string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}
	debug.Verbose("stitcher started", "binary", binary, "pid", cmd.Process.Pid, "frames", len(args))

	done := make(chan struct{}, 2)
	go func() { debug.LogLines(stdout, "stitcher stdout"); done <- struct{}{} }()
	go func() { debug.LogLines(stderr, "stitcher stderr"); done <- struct{}{} }()
	<-done
	<-done

	err = cmd.Wait()
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}
