package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"tangled.org/spindle/spindle/actions"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/plan"
	"tangled.org/spindle/workflow/expr"
)

const (
	DefaultGracePeriod = 30 * time.Second
	DefaultOutputTail  = 50
)

// Reasons an instance failed.
const (
	ReasonStep    = "step"
	ReasonTimeout = "timeout"
	ReasonInfra   = "infra"
)

// Step outcomes, as seen by steps.<id>.outcome.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeSkipped   Outcome = "skipped"
)

func (o Outcome) status() models.StatusKind {
	switch o {
	case OutcomeSuccess:
		return models.StatusKindSuccess
	case OutcomeFailure:
		return models.StatusKindFailed
	case OutcomeCancelled:
		return models.StatusKindCancelled
	}
	return models.StatusKindSkipped
}

type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

// Runner executes one job instance: it sets up the environment, runs the
// steps in order, resolves the job outputs and tears the environment
// down again.
type Runner struct {
	Engine   models.Engine
	Actions  *actions.Registry
	Services *actions.Services

	// LogDir receives one ndjson log per instance; empty disables step
	// logs.
	LogDir string
	// Echo, when set, also receives every output line prefixed with the
	// instance id.
	Echo io.Writer

	GracePeriod time.Duration
	Retry       RetryPolicy
	OutputTail  int

	Logger *slog.Logger

	echoMu sync.Mutex
}

type Input struct {
	Run      models.RunId
	Plan     *plan.Plan
	Instance *plan.Instance
	Context  *models.RunContext
	Secrets  map[string]string
}

type StepResult struct {
	Index      int
	ID         string
	Name       string
	Outcome    Outcome
	Conclusion Outcome
	Started    time.Time
	Finished   time.Time
}

type Result struct {
	Status models.StatusKind
	// Reason is set for failed instances.
	Reason  string
	Steps   []StepResult
	Outputs map[string]string
	Failure *StepFailure
	Err     error
}

// status answers the step status functions.
type status struct {
	failed    bool
	cancelled bool
	timedOut  bool
	infra     bool
}

func (s *status) Success() bool   { return !s.failed && !s.cancelled }
func (s *status) Failure() bool   { return s.failed }
func (s *status) Cancelled() bool { return s.cancelled }

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) gracePeriod() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return DefaultGracePeriod
}

func (r *Runner) outputTail() int {
	if r.OutputTail > 0 {
		return r.OutputTail
	}
	return DefaultOutputTail
}

// instance is the state of one Run call.
type instance struct {
	r      *Runner
	in     Input
	iid    models.InstanceId
	l      *slog.Logger
	logs   *models.WorkflowLogger
	mask   *masker
	status status
	post   []actions.PostHook

	ctx         context.Context
	graceCtx    context.Context
	graceCancel context.CancelFunc
}

// Run executes the instance. ctx carries the instance deadline and
// cancellation: a deadline whose cause is engine.ErrTimedOut fails the
// instance with reason timeout, any other cancellation cancels it. In
// both cases the remaining steps admitted by their guard still run
// within the grace period.
func (r *Runner) Run(ctx context.Context, in Input) *Result {
	iid := models.InstanceId{Run: in.Run, Name: in.Instance.ID}
	x := &instance{
		r:    r,
		in:   in,
		iid:  iid,
		l:    r.logger().With("run", in.Run, "instance", in.Instance.ID),
		mask: newMasker(in.Secrets),
		ctx:  ctx,
	}
	defer func() {
		if x.graceCancel != nil {
			x.graceCancel()
		}
	}()

	if r.LogDir != "" {
		logs, err := models.NewWorkflowLogger(r.LogDir, iid)
		if err != nil {
			x.l.Error("failed to create workflow logger", "err", err)
		} else {
			x.logs = logs
			defer logs.Close()
		}
	}

	res := &Result{}

	setup := models.Environment{RunsOn: in.Instance.Job.Def.RunsOn}
	err := r.retry(ctx, x.l, "setup", func(ctx context.Context) error {
		return r.Engine.SetupWorkflow(ctx, iid, setup)
	})
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := r.Engine.DestroyWorkflow(dctx, iid); err != nil {
			x.l.Error("failed to destroy workflow", "err", err)
		}
	}()
	if err != nil {
		x.interrupted()
		if !x.status.cancelled && !x.status.timedOut {
			x.status.failed = true
			x.status.infra = engine.IsInfra(err)
		}
		res.Err = fmt.Errorf("setting up: %w", err)
		x.finish(res)
		return res
	}

	for idx := range in.Instance.Job.Def.Steps {
		sr, failure := x.step(idx)
		res.Steps = append(res.Steps, sr)
		if failure != nil && res.Failure == nil {
			res.Failure = failure
		}
	}

	x.interrupted()
	x.runPostHooks(res)

	if !x.status.cancelled {
		outputs, err := x.jobOutputs()
		if err != nil {
			x.l.Warn("failed to resolve job outputs", "err", err)
		}
		res.Outputs = outputs
	}

	x.finish(res)
	return res
}

func (x *instance) finish(res *Result) {
	switch {
	case x.status.cancelled:
		res.Status = models.StatusKindCancelled
	case x.status.timedOut:
		res.Status = models.StatusKindFailed
		res.Reason = ReasonTimeout
		if res.Err == nil {
			res.Err = engine.ErrTimedOut
		}
	case x.status.failed:
		res.Status = models.StatusKindFailed
		res.Reason = ReasonStep
		if x.status.infra {
			res.Reason = ReasonInfra
		}
		if res.Err == nil && res.Failure != nil {
			res.Err = res.Failure
		}
	default:
		res.Status = models.StatusKindSuccess
	}

	x.l.Info("instance finished", "status", res.Status, "reason", res.Reason)
}

// interrupted folds the state of the instance context into the status
// and reports whether the instance was stopped.
func (x *instance) interrupted() bool {
	if x.ctx.Err() == nil {
		return false
	}
	if errors.Is(context.Cause(x.ctx), engine.ErrTimedOut) {
		x.status.timedOut = true
		x.status.failed = true
	} else {
		x.status.cancelled = true
	}
	return true
}

// stepContext is the context the next step runs in: the instance context
// until it is done, then a grace context detached from it.
func (x *instance) stepContext() context.Context {
	if x.ctx.Err() == nil {
		return x.ctx
	}
	if x.graceCtx == nil {
		x.graceCtx, x.graceCancel = context.WithTimeout(context.WithoutCancel(x.ctx), x.r.gracePeriod())
	}
	return x.graceCtx
}

func (x *instance) env(extra map[string]string) (map[string]string, error) {
	def := x.in.Instance.Job.Def
	wf := x.in.Plan.Workflow

	env := map[string]string{
		"CI":                "true",
		"SPINDLE_RUN_ID":    string(x.in.Run),
		"SPINDLE_JOB":       def.ID,
		"SPINDLE_INSTANCE":  x.in.Instance.ID,
		"SPINDLE_REPO":      x.in.Plan.Trigger.Repo,
		"SPINDLE_REF":       x.in.Plan.Trigger.Ref,
		"SPINDLE_SHA":       x.in.Plan.Trigger.Sha,
		"SPINDLE_EVENT":     x.in.Plan.Trigger.Kind,
		"SPINDLE_REF_NAME":  x.in.Plan.Trigger.RefName(),
		"SPINDLE_WORKFLOW":  wf.Name,
		"SPINDLE_JOB_INDEX": fmt.Sprint(x.in.Instance.Index),
	}

	// each level sees the levels above it
	for _, level := range []map[string]string{wf.Env, def.Env, extra} {
		resolved := make(map[string]string, len(level))
		e := x.exprEnv(env)
		for _, k := range slices.Sorted(maps.Keys(level)) {
			v, err := expr.Interpolate(level[k], e)
			if err != nil {
				return nil, fmt.Errorf("env.%s: %w", k, err)
			}
			resolved[k] = v
		}
		maps.Copy(env, resolved)
	}
	return env, nil
}

func (x *instance) exprEnv(env map[string]string) *expr.Env {
	return &expr.Env{
		Contexts: Contexts(x.in, env),
		Status:   &x.status,
	}
}

func (x *instance) jobOutputs() (map[string]string, error) {
	def := x.in.Instance.Job.Def
	if len(def.Outputs) == 0 {
		return nil, nil
	}

	env, err := x.env(nil)
	if err != nil {
		return nil, err
	}
	e := x.exprEnv(env)

	ns := models.InstanceNamespace(x.in.Instance.ID)
	outputs := make(map[string]string, len(def.Outputs))
	var errs []error
	for _, k := range slices.Sorted(maps.Keys(def.Outputs)) {
		v, err := expr.Interpolate(def.Outputs[k], e)
		if err != nil {
			errs = append(errs, fmt.Errorf("outputs.%s: %w", k, err))
			continue
		}
		outputs[k] = v
		if _, err := x.in.Context.Put(ns, "outputs."+k, v); err != nil {
			errs = append(errs, err)
		}
	}
	return outputs, errors.Join(errs...)
}

func (x *instance) runPostHooks(res *Result) {
	for i := len(x.post) - 1; i >= 0; i-- {
		hook := x.post[i]
		idx := len(x.in.Instance.Job.Def.Steps) + len(x.post) - 1 - i
		step := systemStep{name: "Post " + hook.Name}
		sr := StepResult{Index: idx, Name: step.name, Started: time.Now()}

		if hook.If == actions.PostOnSuccess && !x.status.Success() {
			sr.Outcome, sr.Conclusion = OutcomeSkipped, OutcomeSkipped
			sr.Finished = sr.Started
			res.Steps = append(res.Steps, sr)
			continue
		}

		ctx := x.stepContext()
		if ctx.Err() != nil {
			sr.Outcome, sr.Conclusion = OutcomeSkipped, OutcomeSkipped
			sr.Finished = sr.Started
			res.Steps = append(res.Steps, sr)
			continue
		}

		x.startStep(idx, step)
		err := hook.Run(ctx)
		sr.Outcome = OutcomeSuccess
		if err != nil {
			// a failing post hook is reported but never fails the instance
			x.l.Warn("post hook failed", "hook", hook.Name, "err", err)
			sr.Outcome = OutcomeFailure
		}
		sr.Conclusion = OutcomeSuccess
		sr.Finished = time.Now()
		x.endStep(idx, step, sr.Outcome)
		res.Steps = append(res.Steps, sr)
	}
}

func (x *instance) startStep(idx int, step models.Step) {
	if x.logs != nil {
		x.logs.ControlWriter(idx, step, models.StepStatusStart).Write([]byte{0})
	}
}

func (x *instance) endStep(idx int, step models.Step, outcome Outcome) {
	if x.logs != nil {
		if err := x.logs.StepEnd(idx, step, outcome.status()); err != nil {
			x.l.Warn("failed to write step end", "err", err)
		}
	}
}

// writers returns the stdout and stderr of step idx.
func (x *instance) writers(idx int, c *capture) (*lineWriter, *lineWriter) {
	var stdout, stderr []io.Writer
	if x.logs != nil {
		stdout = append(stdout, x.logs.DataWriter(idx, "stdout"))
		stderr = append(stderr, x.logs.DataWriter(idx, "stderr"))
	}
	if x.r.Echo != nil {
		echo := &prefixWriter{mu: &x.r.echoMu, w: x.r.Echo, prefix: "[" + x.in.Instance.ID + "] "}
		stdout = append(stdout, echo)
		stderr = append(stderr, echo)
	}
	return &lineWriter{mask: x.mask, capture: c, sinks: stdout},
		&lineWriter{mask: x.mask, capture: c, sinks: stderr}
}

// retry runs fn until it succeeds, fails with something other than an
// infra error, or the attempts run out.
func (r *Runner) retry(ctx context.Context, l *slog.Logger, op string, fn func(context.Context) error) error {
	attempts := r.Retry.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := r.Retry.Delay
	if delay == 0 {
		delay = time.Second
	}

	return retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxJitter(max(delay/2, time.Millisecond)),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(engine.IsInfra),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("retrying after infra error", "op", op, "attempt", n+1, "err", err)
		}),
	)
}
