package spindle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"tangled.org/spindle/spindle/apierr"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/plan"
	"tangled.org/spindle/spindle/queue"
	"tangled.org/spindle/spindle/scheduler"
	"tangled.org/spindle/spindle/secrets"
	"tangled.org/spindle/workflow"
	"tangled.org/spindle/workflow/expr"
)

const (
	ReasonSuperseded   = "superseded"
	ReasonQueueFull    = "queue full"
	ReasonNoSecrets    = "secrets unavailable"
	ReasonNoRunContext = "run context unavailable"
)

// activeRun is a run that was accepted but has not finished yet.
type activeRun struct {
	id      models.RunId
	group   string
	plan    *plan.Plan
	trigger workflow.Trigger

	// guarded by Spindle.mu
	exec         *scheduler.Execution
	cancelReason string
}

type WorkflowFile struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

type TriggerRequest struct {
	Trigger   workflow.Trigger `json:"trigger"`
	Workflows []WorkflowFile   `json:"workflows"`
}

type TriggerResponse struct {
	Runs     []db.Run `json:"runs"`
	Warnings []string `json:"warnings,omitempty"`
}

// Trigger plans every workflow the trigger starts and enqueues one run
// per workflow. Nothing is enqueued when any workflow is invalid.
func (s *Spindle) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	l := s.l.With("repo", req.Trigger.Repo, "ref", req.Trigger.Ref, "kind", req.Trigger.Kind)

	raw := make(workflow.RawPipeline, 0, len(req.Workflows))
	for _, w := range req.Workflows {
		raw = append(raw, workflow.RawWorkflow{Name: w.Name, Contents: []byte(w.Contents)})
	}

	compiler := workflow.Compiler{
		Trigger: req.Trigger,
		Actions: s.actions,
	}
	pipeline := compiler.Compile(compiler.Parse(raw))
	if compiler.Diagnostics.IsErr() {
		return nil, &workflow.ConfigError{
			Workflow: "pipeline",
			Errors:   compiler.Diagnostics.Errors,
		}
	}

	resp := &TriggerResponse{}
	for _, w := range compiler.Diagnostics.Warnings {
		resp.Warnings = append(resp.Warnings, w.String())
	}

	plans := make([]*plan.Plan, 0, len(pipeline))
	for i := range pipeline {
		p, err := plan.Build(&pipeline[i], req.Trigger, s.actions)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	for _, p := range plans {
		run, err := s.enqueue(ctx, p)
		if err != nil {
			return resp, err
		}
		l.Info("enqueued run", "run", run.Id, "workflow", run.Workflow, "group", run.ConcurrencyGroup)
		resp.Runs = append(resp.Runs, *run)
	}

	return resp, nil
}

func (s *Spindle) enqueue(ctx context.Context, p *plan.Plan) (*db.Run, error) {
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	rid, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	id := models.RunId(rid.String())

	group, cancelInProgress, err := s.concurrency(p, id)
	if err != nil {
		return nil, err
	}

	run := &db.Run{
		Id:               id,
		Repo:             p.Trigger.Repo,
		Workflow:         p.Workflow.Name,
		Ref:              p.Trigger.Ref,
		Sha:              p.Trigger.Sha,
		Branch:           p.Trigger.Branch(),
		Trigger:          p.Trigger,
		ConcurrencyGroup: group,
	}
	if err := s.db.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	for _, inst := range p.Instances {
		err := s.db.PutInstance(db.Instance{
			Run:    id,
			Id:     inst.ID,
			Job:    inst.Job.ID(),
			Status: models.StatusKindPending,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create instance: %w", err)
		}
	}
	s.runEvent(run.Id, run.Workflow, models.StatusKindPending, "")

	if cancelInProgress {
		s.supersede(group, id)
	}

	a := &activeRun{
		id:      id,
		group:   group,
		plan:    p,
		trigger: p.Trigger,
	}
	s.mu.Lock()
	s.runs[id] = a
	s.mu.Unlock()

	ok := s.jq.Enqueue(queue.Job{
		Run: func(ctx context.Context) error {
			return s.execute(ctx, a)
		},
		OnFail: func(err error) {
			s.l.Error("run failed", "run", id, "error", err)
		},
	})
	if !ok {
		s.forget(id)
		s.finishRun(id, run.Workflow, models.StatusKindCancelled, ReasonQueueFull)
		return nil, apierr.QueueFullError
	}

	return run, nil
}

// concurrency resolves the run's concurrency group and whether it
// cancels the in-flight runs of that group.
func (s *Spindle) concurrency(p *plan.Plan, id models.RunId) (string, bool, error) {
	group := p.Workflow.Name + "/" + p.Trigger.Ref
	cancelInProgress := s.cfg.Pipelines.CancelInProgress

	c := p.Workflow.Concurrency
	if c == nil {
		return group, cancelInProgress, nil
	}
	if c.CancelInProgress != nil {
		cancelInProgress = *c.CancelInProgress
	}
	if c.Group != "" {
		g, err := expr.Interpolate(c.Group, &expr.Env{
			Contexts: map[string]any{
				"github": p.Trigger.Context(id.String()),
			},
		})
		if err != nil {
			return "", false, &workflow.ConfigError{
				Workflow: p.Workflow.Name,
				Errors:   []workflow.Error{{Path: "concurrency.group", Error: err}},
			}
		}
		group = g
	}

	return group, cancelInProgress, nil
}

// supersede cancels the in-flight runs of group created before keep.
// Run ids are uuid v7, so they sort by creation. Runs left unfinished
// by a previous process are closed in the database too.
func (s *Spindle) supersede(group string, keep models.RunId) {
	inflight, err := s.db.InflightRuns(group)
	if err != nil {
		s.l.Error("failed to list in-flight runs", "group", group, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range inflight {
		if r.Id.String() >= keep.String() {
			continue
		}
		if a, ok := s.runs[r.Id]; ok {
			s.l.Info("superseding run", "run", r.Id, "by", keep, "group", group)
			s.cancelLocked(a, ReasonSuperseded)
			continue
		}
		s.finishRun(r.Id, r.Workflow, models.StatusKindCancelled, ReasonSuperseded)
	}
}

// Cancel stops a run. A run still waiting for a worker is cancelled as
// soon as it is picked up.
func (s *Spindle) Cancel(id models.RunId, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.runs[id]
	if !ok {
		r, err := s.db.GetRun(id)
		if err != nil {
			return err
		}
		return apierr.ConflictError(fmt.Errorf("run %s is already %s", id, r.Status))
	}

	s.cancelLocked(a, reason)
	return nil
}

func (s *Spindle) cancelLocked(a *activeRun, reason string) {
	if a.cancelReason == "" {
		a.cancelReason = reason
	}
	if a.exec != nil {
		a.exec.Cancel(reason)
	}
}

func (s *Spindle) forget(id models.RunId) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
}

func (s *Spindle) execute(ctx context.Context, a *activeRun) error {
	defer s.forget(a.id)

	l := s.l.With("run", a.id, "workflow", a.plan.Workflow.Name)

	env, err := secrets.Env(ctx, s.vault, secrets.Repo(a.trigger.Repo))
	if err != nil {
		// a run without its secrets would fail in confusing ways
		s.abandon(a, ReasonNoSecrets)
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	rc, err := s.db.LoadRunContext(a.id)
	if err != nil {
		s.abandon(a, ReasonNoRunContext)
		return fmt.Errorf("failed to load run context: %w", err)
	}

	if err := s.db.MarkRunRunning(a.id); err != nil {
		l.Error("failed to mark run running", "error", err)
	}
	s.runEvent(a.id, a.plan.Workflow.Name, models.StatusKindRunning, "")

	s.mu.Lock()
	a.exec = s.sched.Start(ctx, scheduler.Run{
		ID:      a.id,
		Plan:    a.plan,
		Context: rc,
		Secrets: env,
	})
	if a.cancelReason != "" {
		a.exec.Cancel(a.cancelReason)
	}
	s.mu.Unlock()

	res := a.exec.Wait()
	s.forget(a.id)

	if err := s.db.SaveRunContext(a.id, rc); err != nil {
		l.Error("failed to save run context", "error", err)
	}

	s.finishRun(a.id, a.plan.Workflow.Name, res.Status, res.Reason)
	l.Info("run finished", "status", res.Status, "reason", res.Reason)

	return nil
}

// abandon fails a run that could not start; its instances never run.
func (s *Spindle) abandon(a *activeRun, reason string) {
	for _, inst := range a.plan.Instances {
		s.Observe(scheduler.Event{
			Run:      a.id,
			Workflow: a.plan.Workflow.Name,
			Job:      inst.Job.ID(),
			Instance: inst.ID,
			Status:   models.StatusKindCancelled,
			Reason:   reason,
			Time:     time.Now(),
		})
	}
	s.finishRun(a.id, a.plan.Workflow.Name, models.StatusKindFailed, reason)
}

func (s *Spindle) finishRun(id models.RunId, workflow string, status models.StatusKind, reason string) {
	if err := s.db.FinishRun(id, status, reason); err != nil {
		s.l.Error("failed to finish run", "run", id, "error", err)
	}
	s.runEvent(id, workflow, status, reason)
	if s.tel != nil {
		s.tel.RunFinished(context.Background(), workflow, status.String())
	}
}

func (s *Spindle) runEvent(id models.RunId, workflow string, status models.StatusKind, reason string) {
	err := s.db.CreateStatusEvent(db.StatusEvent{
		Run:      id,
		Workflow: workflow,
		Status:   status,
		Reason:   reason,
	}, s.n)
	if err != nil {
		s.l.Error("failed to record run event", "run", id, "error", err)
	}
}

// configError reports whether err is a workflow that cannot be planned.
func configError(err error) (*workflow.ConfigError, bool) {
	var ce *workflow.ConfigError
	ok := errors.As(err, &ce)
	return ce, ok
}
