package spindle

import (
	"context"
	"time"

	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/scheduler"
)

// Observe persists every instance transition and publishes it as a
// status event.
func (s *Spindle) Observe(ev scheduler.Event) {
	l := s.l.With("run", ev.Run, "instance", ev.Instance)
	key := ev.Run.String() + "/" + ev.Instance

	inst := db.Instance{
		Run:    ev.Run,
		Id:     ev.Instance,
		Job:    ev.Job,
		Status: ev.Status,
		Reason: ev.Reason,
	}
	if ev.Err != nil {
		inst.Error = ev.Err.Error()
	}

	var elapsed time.Duration
	switch {
	case ev.Status == models.StatusKindRunning:
		inst.StartedAt = ev.Time
		s.started.Store(key, ev.Time)
	case ev.Status.IsFinish():
		inst.FinishedAt = ev.Time
		if started, ok := s.started.LoadAndDelete(key); ok {
			elapsed = ev.Time.Sub(started.(time.Time))
		}
	}

	if ev.Result != nil && ev.Result.Failure != nil {
		f := ev.Result.Failure
		inst.FailedStep = f.Step
		inst.ExitCode = f.ExitCode()
		inst.OutputTail = f.Tail
	}

	if err := s.db.PutInstance(inst); err != nil {
		l.Error("failed to persist instance", "error", err)
	}

	err := s.db.CreateStatusEvent(db.StatusEvent{
		Run:        ev.Run,
		Workflow:   ev.Workflow,
		Job:        ev.Job,
		Instance:   ev.Instance,
		Status:     ev.Status,
		Reason:     ev.Reason,
		Error:      inst.Error,
		ExitCode:   inst.ExitCode,
		FailedStep: inst.FailedStep,
		CreatedAt:  ev.Time.Format(time.RFC3339Nano),
	}, s.n)
	if err != nil {
		l.Error("failed to record status event", "error", err)
	}

	if s.tel != nil {
		s.tel.InstanceTransition(context.Background(), ev.Workflow, ev.Job, ev.Status.String(), elapsed)
	}
}
