package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/plan"
	"tangled.org/spindle/spindle/runner"
	"tangled.org/spindle/workflow"
	"tangled.org/spindle/workflow/expr"
)

const DefaultTimeout = 20 * time.Minute

// Skip and cancel reasons.
const (
	ReasonGuard      = "guard"
	ReasonGuardError = "guard error"
	ReasonFailFast   = "fail-fast"
)

// ErrCancelled is the cause of instance contexts cancelled through
// Cancel.
var ErrCancelled = errors.New("run cancelled")

// InstanceRunner runs one job instance to completion.
type InstanceRunner interface {
	Run(ctx context.Context, in runner.Input) *runner.Result
}

type Options struct {
	// Parallelism bounds the instances of a run running at once; zero
	// means no bound.
	Parallelism int
	// DefaultTimeout applies to jobs without timeout-minutes.
	DefaultTimeout time.Duration
	// NeedsPolicy applies to jobs without needs-policy.
	NeedsPolicy workflow.NeedsPolicy
}

// Event is one state transition of an instance.
type Event struct {
	Run      models.RunId
	Workflow string
	Job      string
	Instance string
	Status   models.StatusKind
	Reason   string
	Err      error
	Time     time.Time
	// Result is set when a running instance finishes.
	Result *runner.Result
}

type Observer interface {
	Observe(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type Scheduler struct {
	runner    InstanceRunner
	opts      Options
	observers []Observer
	l         *slog.Logger
}

func New(r InstanceRunner, opts Options, l *slog.Logger, observers ...Observer) *Scheduler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if l == nil {
		l = slog.Default()
	}
	return &Scheduler{runner: r, opts: opts, observers: observers, l: l}
}

// Run describes one run to execute.
type Run struct {
	ID      models.RunId
	Plan    *plan.Plan
	Context *models.RunContext
	Secrets map[string]string
}

// InstanceState is where an instance stands.
type InstanceState struct {
	ID              string
	Job             string
	ContinueOnError bool
	Status          models.StatusKind
	Reason          string
	Err             error
	Result          *runner.Result
	Started         time.Time
	Finished        time.Time

	inst         *plan.Instance
	cancel       context.CancelCauseFunc
	cancelReason string
}

type RunResult struct {
	Run    models.RunId
	Status models.StatusKind
	// Reason is the cancellation reason of a cancelled run.
	Reason    string
	Instances []*InstanceState
	Jobs      map[string]JobResult
}

func (r *RunResult) Instance(id string) (*InstanceState, bool) {
	for _, s := range r.Instances {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Execution is a run in progress.
type Execution struct {
	s   *Scheduler
	run Run
	l   *slog.Logger

	cancelOnce   sync.Once
	cancelled    chan struct{}
	cancelReason string

	done   chan struct{}
	result *RunResult

	// owned by the loop goroutine
	states  []*InstanceState
	byID    map[string]*InstanceState
	jobs    map[string]JobResult
	running int
	active  map[string]int // running instances per job
	stopped bool
}

type completion struct {
	state  *InstanceState
	result *runner.Result
}

// Start executes run in the background. run.Plan must come from
// plan.Build; the execution ends once every instance is terminal.
func (s *Scheduler) Start(ctx context.Context, run Run) *Execution {
	if run.Context == nil {
		run.Context = models.NewRunContext()
	}

	x := &Execution{
		s:         s,
		run:       run,
		l:         s.l.With("run", run.ID, "workflow", run.Plan.Workflow.Name),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
		byID:      make(map[string]*InstanceState),
		jobs:      make(map[string]JobResult),
		active:    make(map[string]int),
	}

	for _, inst := range run.Plan.Instances {
		st := &InstanceState{
			ID:              inst.ID,
			Job:             inst.Job.ID(),
			ContinueOnError: inst.Job.Def.ContinueOnError,
			Status:          models.StatusKindPending,
			inst:            inst,
		}
		x.states = append(x.states, st)
		x.byID[inst.ID] = st
	}

	go x.loop(ctx)
	return x
}

// Run executes run and waits for its verdict.
func (s *Scheduler) Run(ctx context.Context, run Run) *RunResult {
	return s.Start(ctx, run).Wait()
}

// Cancel stops the run: pending instances become cancelled, running
// ones are asked to stop and get their grace period. Instances already
// terminal keep their state.
func (x *Execution) Cancel(reason string) {
	x.cancelOnce.Do(func() {
		x.cancelReason = reason
		close(x.cancelled)
	})
}

func (x *Execution) Done() <-chan struct{} {
	return x.done
}

func (x *Execution) Wait() *RunResult {
	<-x.done
	return x.result
}

func (x *Execution) ID() models.RunId {
	return x.run.ID
}

func (x *Execution) loop(ctx context.Context) {
	defer close(x.done)

	runCtx, cancelRun := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelRun(nil)

	finished := make(chan completion)
	var g errgroup.Group

	for _, st := range x.states {
		x.emit(st, nil)
	}
	x.l.Info("run started", "instances", len(x.states))

	cancelled := x.cancelled
	parentDone := ctx.Done()
	for {
		x.schedule(runCtx, &g, finished)
		if x.running == 0 && x.allTerminal() {
			break
		}

		select {
		case c := <-finished:
			x.complete(c)

		case <-cancelled:
			cancelled = nil
			x.stop(fmt.Errorf("%w: %s", ErrCancelled, x.cancelReason))

		case <-parentDone:
			parentDone = nil
			x.Cancel(context.Cause(ctx).Error())
		}
	}

	g.Wait()

	states := make([]*InstanceState, len(x.states))
	copy(states, x.states)
	x.result = &RunResult{
		Run:       x.run.ID,
		Status:    Verdict(states, x.stopped),
		Instances: states,
		Jobs:      x.jobs,
	}
	if x.stopped {
		x.result.Reason = x.cancelReason
	}
	x.l.Info("run finished", "status", x.result.Status)
}

func (x *Execution) allTerminal() bool {
	for _, st := range x.states {
		if !st.Status.IsFinish() {
			return false
		}
	}
	return true
}

// schedule decides every pending instance whose dependencies are all
// terminal, in plan order.
func (x *Execution) schedule(ctx context.Context, g *errgroup.Group, finished chan<- completion) {
	for _, st := range x.states {
		if st.Status != models.StatusKindPending {
			continue
		}
		if !x.depsTerminal(st.inst) {
			continue
		}

		admit, reason, err := x.admit(st.inst)
		if err != nil {
			// a pending instance cannot fail, the verdict counts it instead
			x.finish(st, models.StatusKindSkipped, ReasonGuardError, err, nil)
			continue
		}
		if !admit {
			x.finish(st, models.StatusKindSkipped, reason, err, nil)
			continue
		}

		if !x.hasCapacity(st.inst) {
			continue
		}
		x.start(ctx, g, finished, st)
	}
}

func (x *Execution) depsTerminal(inst *plan.Instance) bool {
	for _, dep := range inst.Deps {
		if !x.byID[dep.ID].Status.IsFinish() {
			return false
		}
	}
	return true
}

func (x *Execution) hasCapacity(inst *plan.Instance) bool {
	if p := x.s.opts.Parallelism; p > 0 && x.running >= p {
		return false
	}
	if m := inst.Job.Def.Strategy.MaxParallel; m > 0 && x.active[inst.Job.ID()] >= m {
		return false
	}
	return true
}

func (x *Execution) policy(job *plan.Job) workflow.NeedsPolicy {
	if job.Def.NeedsPolicy != workflow.NeedsPolicyDefault {
		return job.Def.NeedsPolicy
	}
	return x.s.opts.NeedsPolicy
}

// jobStatus answers success(), failure() and cancelled() for a job
// guard from the results of the jobs it needs.
type jobStatus struct {
	needs     []JobResult
	policy    workflow.NeedsPolicy
	cancelled bool
}

func (s jobStatus) Success() bool {
	if s.cancelled {
		return false
	}
	for _, r := range s.needs {
		if !r.Satisfies(s.policy) {
			return false
		}
	}
	return true
}

func (s jobStatus) Failure() bool {
	for _, r := range s.needs {
		if r == JobFailure || (r == JobPartial && !r.Satisfies(s.policy)) {
			return true
		}
	}
	return false
}

func (s jobStatus) Cancelled() bool {
	return s.cancelled
}

// admit evaluates the job guard of inst. When it does not admit the
// instance, reason says why.
func (x *Execution) admit(inst *plan.Instance) (bool, string, error) {
	job := inst.Job
	policy := x.policy(job)

	status := jobStatus{policy: policy, cancelled: x.stopped}
	var unmet *DependencyUnmet
	for _, dep := range job.Needs {
		r := x.jobs[dep.ID()]
		status.needs = append(status.needs, r)
		if unmet == nil && !r.Satisfies(policy) {
			unmet = &DependencyUnmet{Job: dep.ID(), Result: r}
		}
	}

	env := &expr.Env{
		Contexts: runner.Contexts(runner.Input{
			Run:      x.run.ID,
			Plan:     x.run.Plan,
			Instance: inst,
			Context:  x.run.Context,
			Secrets:  x.run.Secrets,
		}, x.run.Plan.Workflow.Env),
		Status: status,
	}
	ok, err := expr.EvalBool(job.Guard, env)
	if err != nil {
		return false, "", fmt.Errorf("evaluating if: %w", err)
	}
	if ok {
		return true, "", nil
	}
	if unmet != nil {
		return false, unmet.Error(), nil
	}
	return false, ReasonGuard, nil
}

func (x *Execution) start(ctx context.Context, g *errgroup.Group, finished chan<- completion, st *InstanceState) {
	inst := st.inst
	timeout := inst.Job.Timeout(x.s.opts.DefaultTimeout)

	ictx, cancel := context.WithCancelCause(ctx)
	st.cancel = cancel
	st.Started = time.Now()
	x.running++
	x.active[st.Job]++
	x.transition(st, models.StatusKindRunning, "", nil, nil)

	in := runner.Input{
		Run:      x.run.ID,
		Plan:     x.run.Plan,
		Instance: inst,
		Context:  x.run.Context,
		Secrets:  x.run.Secrets,
	}

	g.Go(func() error {
		tctx, tcancel := context.WithTimeoutCause(ictx, timeout, engine.ErrTimedOut)
		defer tcancel()

		res := x.s.runner.Run(tctx, in)
		finished <- completion{state: st, result: res}
		return nil
	})
}

func (x *Execution) complete(c completion) {
	st := c.state
	x.running--
	x.active[st.Job]--
	st.cancel(nil)

	res := c.result
	status, reason := res.Status, res.Reason
	switch {
	case !status.IsFinish():
		x.l.Error("runner returned a non-terminal state", "instance", st.ID, "status", status)
		status = models.StatusKindFailed
	case status == models.StatusKindCancelled:
		reason = st.cancelReason
	}
	x.finish(st, status, reason, res.Err, res)

	if status == models.StatusKindFailed && st.inst.Job.Def.Strategy.FailFast {
		x.failFast(st.inst.Job)
	}
}

// failFast cancels the siblings of a failed matrix instance.
func (x *Execution) failFast(job *plan.Job) {
	for _, sib := range job.Instances {
		st := x.byID[sib.ID]
		switch st.Status {
		case models.StatusKindPending:
			x.finish(st, models.StatusKindCancelled, ReasonFailFast, nil, nil)
		case models.StatusKindRunning:
			st.cancelReason = ReasonFailFast
			st.cancel(fmt.Errorf("%w: %s", ErrCancelled, ReasonFailFast))
		}
	}
}

// stop cancels every instance that is not terminal yet.
func (x *Execution) stop(cause error) {
	if x.stopped {
		return
	}
	x.stopped = true
	x.l.Info("cancelling run", "reason", x.cancelReason)

	for _, st := range x.states {
		switch st.Status {
		case models.StatusKindPending:
			x.finish(st, models.StatusKindCancelled, x.cancelReason, nil, nil)
		case models.StatusKindRunning:
			st.cancelReason = x.cancelReason
			st.cancel(cause)
		}
	}
}

// finish moves st to a terminal state and, once its whole job is
// terminal, records the job result and outputs.
func (x *Execution) finish(st *InstanceState, status models.StatusKind, reason string, err error, res *runner.Result) {
	st.Finished = time.Now()
	st.Result = res
	x.transition(st, status, reason, err, res)

	job := st.inst.Job
	var states []models.StatusKind
	for _, inst := range job.Instances {
		s := x.byID[inst.ID].Status
		if !s.IsFinish() {
			return
		}
		states = append(states, s)
	}
	x.completeJob(job, aggregate(states, job.Def.ContinueOnError))
}

// completeJob publishes jobs.<job>.result and the job outputs, merged
// over the instances in matrix order.
func (x *Execution) completeJob(job *plan.Job, result JobResult) {
	x.jobs[job.ID()] = result

	ns := models.JobNamespace(job.ID())
	merged := make(map[string]string)
	var keys []string
	for _, inst := range job.Instances {
		st := x.byID[inst.ID]
		if st.Result == nil {
			continue
		}
		for k, v := range st.Result.Outputs {
			if _, seen := merged[k]; !seen {
				keys = append(keys, k)
			}
			if v != "" || merged[k] == "" {
				merged[k] = v
			}
		}
	}
	for _, k := range keys {
		if _, err := x.run.Context.Put(ns, "outputs."+k, merged[k]); err != nil {
			x.l.Warn("failed to record job output", "job", job.ID(), "output", k, "err", err)
		}
	}
	if _, err := x.run.Context.Put(ns, "result", string(result)); err != nil {
		x.l.Warn("failed to record job result", "job", job.ID(), "err", err)
	}

	x.l.Info("job finished", "job", job.ID(), "result", result)
}

func (x *Execution) transition(st *InstanceState, status models.StatusKind, reason string, err error, res *runner.Result) {
	if !st.Status.CanTransition(status) {
		x.l.Error("invalid state transition", "instance", st.ID, "from", st.Status, "to", status)
		return
	}
	st.Status = status
	st.Reason = reason
	st.Err = err
	x.emit(st, res)
}

func (x *Execution) emit(st *InstanceState, res *runner.Result) {
	ev := Event{
		Run:      x.run.ID,
		Workflow: x.run.Plan.Workflow.Name,
		Job:      st.Job,
		Instance: st.ID,
		Status:   st.Status,
		Reason:   st.Reason,
		Err:      st.Err,
		Time:     time.Now(),
		Result:   res,
	}
	for _, o := range x.s.observers {
		o.Observe(ev)
	}
}
