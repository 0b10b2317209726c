package provision

import (
	"errors"
	"fmt"
)

// Phase names the provisioning step that was running
type Phase string

const (
	PhaseInitialize Phase = "init"
	PhaseApply      Phase = "apply"
	PhaseOutput     Phase = "output"
	PhaseDestroy    Phase = "destroy"
)

// ErrTimeout is matched by errors.Is when a subprocess exceeded its allotted time
var ErrTimeout = errors.New("provisioning tool timed out")

// Error is returned when the provisioning tool could not complete a step. Stdout and Stderr hold
// the full captured output of the failed invocation.
type Error struct {
	Phase    Phase
	WorkDir  string
	ExitCode int
	Stdout   string
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s in %s timed out", e.Phase, e.WorkDir)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s in %s failed (exit code %d): %v", e.Phase, e.WorkDir, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s in %s failed (exit code %d)", e.Phase, e.WorkDir, e.ExitCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}
