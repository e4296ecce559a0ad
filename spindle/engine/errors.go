package engine

import (
	"errors"
	"fmt"
)

var (
	ErrOOMKilled      = errors.New("oom killed")
	ErrTimedOut       = errors.New("timed out")
	ErrWorkflowFailed = errors.New("workflow failed")
	ErrNoSuchPath     = errors.New("no such path in workspace")
)

// ExitError is a command that ran to completion with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with code %d", e.Code)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrWorkflowFailed
}

// InfraError is a failure of the machinery around a step rather than of
// the step itself: the engine was unreachable, a container could not be
// created, a store did not answer. Callers may retry these.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infra: %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// Infra wraps err as an InfraError; nil stays nil.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InfraError
	if errors.As(err, &ie) {
		return err
	}
	return &InfraError{Op: op, Err: err}
}

func IsInfra(err error) bool {
	var ie *InfraError
	return errors.As(err, &ie)
}

// ExitCode returns the exit status carried by err, or -1 if err is not
// a command exit.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}
