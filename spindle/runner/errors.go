package runner

import (
	"fmt"

	"tangled.org/spindle/spindle/engine"
)

// StepFailure is the first step that failed an instance.
type StepFailure struct {
	Index int
	Step  string
	// Tail is the end of the step's output, ANSI codes removed and
	// secrets masked.
	Tail []string
	Err  error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %q: %v", f.Step, f.Err)
}

func (f *StepFailure) Unwrap() error {
	return f.Err
}

// ExitCode is the step's exit status, or -1 when it did not exit.
func (f *StepFailure) ExitCode() int {
	return engine.ExitCode(f.Err)
}
