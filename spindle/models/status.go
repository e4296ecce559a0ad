package models

import "slices"

type StatusKind string

const (
	StatusKindPending   StatusKind = "pending"
	StatusKindRunning   StatusKind = "running"
	StatusKindSuccess   StatusKind = "success"
	StatusKindFailed    StatusKind = "failed"
	StatusKindSkipped   StatusKind = "skipped"
	StatusKindCancelled StatusKind = "cancelled"
)

var (
	StartStates = [...]StatusKind{
		StatusKindPending,
		StatusKindRunning,
	}
	FinishStates = [...]StatusKind{
		StatusKindSuccess,
		StatusKindFailed,
		StatusKindSkipped,
		StatusKindCancelled,
	}
)

func (s StatusKind) String() string {
	return string(s)
}

func (s StatusKind) IsStart() bool {
	return slices.Contains(StartStates[:], s)
}

func (s StatusKind) IsFinish() bool {
	return slices.Contains(FinishStates[:], s)
}

// CanTransition reports whether an instance in state s may move to next.
// Terminal states are final; pending instances may finish without ever
// running, but only as skipped or cancelled.
func (s StatusKind) CanTransition(next StatusKind) bool {
	switch s {
	case StatusKindPending:
		switch next {
		case StatusKindRunning, StatusKindSkipped, StatusKindCancelled:
			return true
		}
	case StatusKindRunning:
		switch next {
		case StatusKindSuccess, StatusKindFailed, StatusKindCancelled:
			return true
		}
	}
	return false
}
