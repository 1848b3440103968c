package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrAlreadyExecuted is returned by a second call to Execute.
var ErrAlreadyExecuted = errors.New("batch: already executed")

// StatusFunc receives the status label after each transition.
type StatusFunc func(ctx context.Context, status string)

// State of an executor.
type State int

const (
	NotStarted State = iota
	Started
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "not_started"
	}
}

// Executor runs a snapshot of a batch exactly once.
type Executor struct {
	steps       []Step
	setStatus   StatusFunc
	runner      Runner
	stepTimeout time.Duration
	logger      *slog.Logger
	redact      func([]string) []string

	mu    sync.Mutex
	state State
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithStepTimeout bounds every step. Zero disables the bound.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithLogger sets the logger used for step progress.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRedactor masks secrets in commands before they are logged.
func WithRedactor(fn func([]string) []string) ExecutorOption {
	return func(e *Executor) { e.redact = fn }
}

// NewExecutor snapshots b; later changes to b do not affect the executor.
func NewExecutor(b *Batch, setStatus StatusFunc, opts ...ExecutorOption) *Executor {
	e := &Executor{
		steps:     b.Steps(),
		setStatus: setStatus,
		runner:    ExecRunner{},
		logger:    slog.Default(),
	}
	if e.setStatus == nil {
		e.setStatus = func(context.Context, string) {}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the executor state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Steps returns the steps with their captured exit codes and output.
func (e *Executor) Steps() []Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSteps(e.steps)
}

// Execute runs the steps in order. It reports STARTED, the label of each
// passing step, then SUCCESS or FAILED. The first failing step that does not
// accept errors stops the batch. An error is returned only when a step
// process could not be spawned; no terminal status is reported in that case.
func (e *Executor) Execute(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.state != NotStarted {
		e.mu.Unlock()
		return false, ErrAlreadyExecuted
	}
	e.state = Started
	e.mu.Unlock()

	e.setStatus(ctx, StatusStarted)

	success := true
	for i := range e.steps {
		step := e.steps[i]
		e.logger.Info("running step", "step", step.Status, "dir", step.Dir, "command", e.display(step.Command))

		result, err := e.run(ctx, step)
		if err != nil {
			e.finish(Failed)
			return false, fmt.Errorf("step %s: %w", step.Status, err)
		}

		e.mu.Lock()
		e.steps[i].ExitCode = result.ExitCode
		e.steps[i].Output = result.Output
		e.mu.Unlock()

		if result.Output != "" {
			e.logger.Debug("step output", "step", step.Status, "output", truncate(result.Output))
		}
		if result.ExitCode == 0 || step.AcceptError {
			if result.ExitCode != 0 {
				e.logger.Warn("step failed, error accepted", "step", step.Status, "exit_code", result.ExitCode)
			}
			e.setStatus(ctx, step.Status)
			continue
		}
		e.logger.Error("step failed", "step", step.Status, "exit_code", result.ExitCode, "command", e.display(step.Command))
		success = false
		break
	}

	if success {
		e.finish(Succeeded)
		e.setStatus(ctx, StatusSuccess)
	} else {
		e.finish(Failed)
		e.setStatus(ctx, StatusFailed)
	}
	return success, nil
}

func (e *Executor) run(ctx context.Context, step Step) (Result, error) {
	if e.stepTimeout <= 0 {
		return e.runner.Run(ctx, step)
	}
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()
	result, err := e.runner.Run(stepCtx, step)
	if err == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		result.Output += fmt.Sprintf("\nstep timed out after %s", e.stepTimeout)
	}
	return result, err
}

func (e *Executor) finish(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Executor) display(command []string) string {
	if e.redact != nil {
		command = e.redact(command)
	}
	return strings.Join(command, " ")
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	const limit = 4096
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("... (%d bytes truncated)", len(s)-limit)
}
