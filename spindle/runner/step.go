package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"tangled.org/spindle/spindle/actions"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
	"tangled.org/spindle/workflow/expr"
)

type userStep struct {
	name    string
	command string
}

func (s userStep) Name() string          { return s.name }
func (s userStep) Command() string       { return s.command }
func (s userStep) Kind() models.StepKind { return models.StepKindUser }

type systemStep struct {
	name string
}

func (s systemStep) Name() string          { return s.name }
func (s systemStep) Command() string       { return "" }
func (s systemStep) Kind() models.StepKind { return models.StepKindSystem }

// step runs step idx, or skips it when its guard says so. The returned
// failure is non-nil when the step failed the instance.
func (x *instance) step(idx int) (StepResult, *StepFailure) {
	job := x.in.Instance.Job
	def := job.Def.Steps[idx]
	id := job.Def.StepID(idx)

	sr := StepResult{
		Index:   idx,
		ID:      id,
		Name:    def.DisplayName(),
		Started: time.Now(),
	}
	x.interrupted()

	// a step whose env or guard cannot be resolved fails without running
	env, setupErr := x.env(nil)
	var admitted bool
	if setupErr == nil {
		var guardErr error
		admitted, guardErr = expr.EvalBool(job.StepGuards[idx], x.exprEnv(env))
		if guardErr != nil {
			setupErr = fmt.Errorf("if: %w", guardErr)
		}
	}
	ctx := x.stepContext()
	if setupErr == nil && (!admitted || ctx.Err() != nil) {
		sr.Outcome, sr.Conclusion = OutcomeSkipped, OutcomeSkipped
		sr.Finished = sr.Started
		x.record(id, sr, nil)
		return sr, nil
	}

	command := def.Run
	if def.Uses != "" {
		command = def.Uses
	}
	step := userStep{name: sr.Name, command: command}
	x.startStep(idx, step)
	x.l.Info("running step", "step", sr.Name)

	c := newCapture(x.r.outputTail())
	stdout, stderr := x.writers(idx, c)

	err := setupErr
	if err == nil {
		err = x.exec(ctx, def, sr.Name, c, stdout, stderr)
	}
	stdout.Flush()
	stderr.Flush()

	switch {
	case err == nil:
		sr.Outcome = OutcomeSuccess
	case ctx.Err() != nil:
		x.interrupted()
		sr.Outcome = OutcomeCancelled
		if x.status.timedOut && !x.status.cancelled {
			sr.Outcome = OutcomeFailure
			err = engine.ErrTimedOut
		}
	default:
		sr.Outcome = OutcomeFailure
	}

	sr.Conclusion = sr.Outcome
	if sr.Outcome == OutcomeFailure && def.ContinueOnError {
		sr.Conclusion = OutcomeSuccess
	}
	sr.Finished = time.Now()

	x.endStep(idx, step, sr.Outcome)
	x.record(id, sr, c.Outputs())

	if err != nil {
		x.l.Warn("step failed", "step", sr.Name, "outcome", sr.Outcome, "err", err)
	}
	if sr.Conclusion != OutcomeFailure {
		return sr, nil
	}

	if !x.status.failed {
		x.status.infra = engine.IsInfra(err)
	}
	x.status.failed = true
	return sr, &StepFailure{
		Index: idx,
		Step:  sr.Name,
		Tail:  c.Tail(),
		Err:   err,
	}
}

func (x *instance) exec(ctx context.Context, def workflow.Step, name string, c *capture, stdout, stderr *lineWriter) error {
	env, err := x.env(def.Env)
	if err != nil {
		return err
	}

	if def.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, time.Duration(def.TimeoutMinutes)*time.Minute, engine.ErrTimedOut)
		defer cancel()
	}

	if def.Uses != "" {
		err = x.uses(ctx, def, env, c, stdout, stderr)
	} else {
		err = x.run(ctx, def, name, env, stdout, stderr)
	}

	if err != nil && errors.Is(context.Cause(ctx), engine.ErrTimedOut) && x.ctx.Err() == nil {
		return fmt.Errorf("step %w after %d minutes", engine.ErrTimedOut, def.TimeoutMinutes)
	}
	return err
}

func (x *instance) run(ctx context.Context, def workflow.Step, name string, env map[string]string, stdout, stderr io.Writer) error {
	script, err := expr.Interpolate(def.Run, x.exprEnv(env))
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	dir, err := expr.Interpolate(def.WorkingDirectory, x.exprEnv(env))
	if err != nil {
		return fmt.Errorf("working-directory: %w", err)
	}

	cmdEnv := maps.Clone(env)
	maps.Copy(cmdEnv, x.in.Secrets)

	cmd := models.Command{
		Name:       name,
		Script:     script,
		Env:        cmdEnv,
		WorkingDir: dir,
	}
	return x.r.retry(ctx, x.l, "step", func(ctx context.Context) error {
		return x.r.Engine.RunStep(ctx, x.iid, cmd, stdout, stderr)
	})
}

func (x *instance) uses(ctx context.Context, def workflow.Step, env map[string]string, c *capture, stdout, stderr io.Writer) error {
	if x.r.Actions == nil {
		return fmt.Errorf("%w: %s", actions.ErrUnknownAction, def.Uses)
	}
	executor, err := x.r.Actions.Resolve(def.Uses)
	if err != nil {
		return err
	}

	e := x.exprEnv(env)
	inputs := make(map[string]string, len(def.With))
	for _, k := range slices.Sorted(maps.Keys(def.With)) {
		v, err := expr.Interpolate(def.With[k], e)
		if err != nil {
			return fmt.Errorf("with.%s: %w", k, err)
		}
		inputs[k] = v
	}

	services := x.r.Services
	if services == nil {
		services = &actions.Services{}
	}

	sc := &actions.StepContext{
		Run:      x.in.Run,
		Instance: x.iid,
		RunsOn:   x.in.Instance.Job.Def.RunsOn,
		Trigger:  x.in.Plan.Trigger,
		Inputs:   inputs,
		Env:      env,
		Engine:   x.r.Engine,
		Services: services,
		Logger:   x.l.With("action", def.Uses),
		Stdout:   stdout,
		Stderr:   stderr,
	}

	err = x.r.retry(ctx, x.l, def.Uses, func(ctx context.Context) error {
		return executor.Run(ctx, sc)
	})

	for k, v := range sc.Outputs() {
		c.setOutput(k, v)
	}
	x.post = append(x.post, sc.PostHooks()...)
	return err
}

// record writes a step's outcome and outputs to the run context.
func (x *instance) record(id string, sr StepResult, outputs map[string]string) {
	ns := models.StepNamespace(x.in.Instance.ID, id)
	put := func(key, value string) {
		if _, err := x.in.Context.Put(ns, key, value); err != nil {
			x.l.Warn("failed to record step", "step", id, "key", key, "err", err)
		}
	}

	for _, k := range slices.Sorted(maps.Keys(outputs)) {
		put("outputs."+k, outputs[k])
	}
	put("outcome", string(sr.Outcome))
	put("conclusion", string(sr.Conclusion))
}
