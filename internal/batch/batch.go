// Package batch runs ordered shell command steps in a working directory,
// reporting a status label after each step.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Terminal and lifecycle status labels reported by the executor.
const (
	StatusStarted = "STARTED"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Step is one command of a batch together with its captured result.
type Step struct {
	Status      string
	Command     []string
	Dir         string
	AcceptError bool
	ExitCode    int
	Output      string
}

// Batch is an ordered list of steps sharing a working directory.
type Batch struct {
	dir   string
	steps []Step
}

// New returns an empty batch for dir, expanding ~ and making it absolute.
func New(dir string) (*Batch, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("batch directory cannot be empty")
	}
	abs, err := expand(dir)
	if err != nil {
		return nil, err
	}
	return &Batch{dir: abs}, nil
}

// Dir returns the batch working directory.
func (b *Batch) Dir() string { return b.dir }

// Add appends a step. With acceptError a non-zero exit still counts as success.
func (b *Batch) Add(status string, command []string, acceptError bool) {
	cmd := make([]string, len(command))
	copy(cmd, command)
	b.steps = append(b.steps, Step{
		Status:      status,
		Command:     cmd,
		Dir:         b.dir,
		AcceptError: acceptError,
	})
}

// Clear drops every step and keeps the directory.
func (b *Batch) Clear() {
	b.steps = nil
}

// Len reports the number of steps.
func (b *Batch) Len() int { return len(b.steps) }

// Steps returns a copy of the steps.
func (b *Batch) Steps() []Step {
	return cloneSteps(b.steps)
}

func cloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Command = append([]string(nil), s.Command...)
		out[i] = s
	}
	return out
}

func expand(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve batch directory: %w", err)
	}
	return abs, nil
}
