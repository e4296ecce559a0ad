package scheduler

import (
	"fmt"

	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
)

// JobResult is the aggregate of a job's instances, as seen by
// needs.<job>.result.
type JobResult string

const (
	JobSuccess   JobResult = "success"
	JobPartial   JobResult = "partial"
	JobFailure   JobResult = "failure"
	JobCancelled JobResult = "cancelled"
	JobSkipped   JobResult = "skipped"
)

// aggregate reduces instance states to a job result. Failures of a
// continue-on-error job count as successes.
func aggregate(states []models.StatusKind, continueOnError bool) JobResult {
	var succeeded, failed, cancelled int
	for _, s := range states {
		switch s {
		case models.StatusKindSuccess:
			succeeded++
		case models.StatusKindFailed:
			if continueOnError {
				succeeded++
			} else {
				failed++
			}
		case models.StatusKindCancelled:
			cancelled++
		}
	}

	switch {
	case failed > 0 && succeeded > 0:
		return JobPartial
	case failed > 0:
		return JobFailure
	case cancelled > 0:
		return JobCancelled
	case succeeded > 0:
		return JobSuccess
	}
	return JobSkipped
}

// Satisfies reports whether a dependency with this result lets a
// dependent run under the default guard.
func (r JobResult) Satisfies(policy workflow.NeedsPolicy) bool {
	switch r {
	case JobSuccess:
		return true
	case JobPartial:
		return policy == workflow.NeedsPolicyPartial
	}
	return false
}

// DependencyUnmet is why an instance was skipped: a job it needs did
// not finish in a state that satisfies it.
type DependencyUnmet struct {
	Job    string
	Result JobResult
}

func (e *DependencyUnmet) Error() string {
	return fmt.Sprintf("dependency %s %s", e.Job, e.Result)
}

// Verdict reduces a run to one state: failed when any required
// instance failed, was cancelled or had a guard that could not be
// evaluated.
func Verdict(states []*InstanceState, cancelled bool) models.StatusKind {
	if cancelled {
		return models.StatusKindCancelled
	}
	for _, s := range states {
		if s.ContinueOnError {
			continue
		}
		switch s.Status {
		case models.StatusKindFailed, models.StatusKindCancelled:
			return models.StatusKindFailed
		case models.StatusKindSkipped:
			if s.Reason == ReasonGuardError {
				return models.StatusKindFailed
			}
		}
	}
	return models.StatusKindSuccess
}
