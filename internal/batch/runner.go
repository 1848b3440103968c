package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// waitDelay bounds how long a killed step may keep its output pipe open.
const waitDelay = 2 * time.Second

// ErrSpawn wraps failures to start a step process at all.
var ErrSpawn = errors.New("batch: spawn step")

// Result is the outcome of one process run.
type Result struct {
	ExitCode int
	Output   string
}

// Runner executes one step. A non-zero exit is reported through Result;
// an error means the process could not be started.
type Runner interface {
	Run(ctx context.Context, step Step) (Result, error)
}

// ExecRunner runs steps as local processes with stderr merged into stdout.
type ExecRunner struct {
	Env []string
}

func (r ExecRunner) Run(ctx context.Context, step Step) (Result, error) {
	if len(step.Command) == 0 {
		return Result{}, fmt.Errorf("%w: empty command", ErrSpawn)
	}
	cmd := exec.CommandContext(ctx, step.Command[0], step.Command[1:]...)
	cmd.Dir = step.Dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay
	cmd.Env = r.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	output, err := cmd.CombinedOutput()
	if err == nil {
		return Result{ExitCode: 0, Output: string(output)}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 0 {
			code = -1
		}
		return Result{ExitCode: code, Output: string(output)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{ExitCode: -1, Output: string(output)}, nil
	}
	return Result{}, fmt.Errorf("%w %q: %v", ErrSpawn, step.Command[0], err)
}
