package runner

import (
	"strings"

	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/plan"
)

// Contexts builds the expression contexts of an instance from the run
// context: github, matrix, needs, steps, env, secrets, runner, job,
// inputs and strategy.
func Contexts(in Input, env map[string]string) map[string]any {
	inst := in.Instance
	job := inst.Job

	needs := make(map[string]any, len(job.Needs))
	for _, dep := range job.Needs {
		needs[dep.ID()] = NeedContext(in.Context, dep)
	}

	envCtx := make(map[string]any, len(env))
	for k, v := range env {
		envCtx[k] = v
	}

	secrets := make(map[string]any, len(in.Secrets))
	for k, v := range in.Secrets {
		secrets[k] = v
	}

	inputs := make(map[string]any, len(in.Plan.Trigger.Inputs))
	for k, v := range in.Plan.Trigger.Inputs {
		inputs[k] = v
	}

	labels := make([]any, len(job.Def.RunsOn))
	for i, l := range job.Def.RunsOn {
		labels[i] = l
	}

	return map[string]any{
		"github":  in.Plan.Trigger.Context(string(in.Run)),
		"matrix":  inst.MatrixContext(),
		"needs":   needs,
		"steps":   StepsContext(in.Context, inst.ID),
		"env":     envCtx,
		"secrets": secrets,
		"inputs":  inputs,
		"runner": map[string]any{
			"os":     "linux",
			"name":   models.InstanceId{Run: in.Run, Name: inst.ID}.String(),
			"labels": labels,
		},
		"job": map[string]any{
			"id":   job.ID(),
			"name": job.Def.DisplayName(),
		},
		"strategy": map[string]any{
			"fail-fast":    job.Def.Strategy.FailFast,
			"max-parallel": float64(job.Def.Strategy.MaxParallel),
			"job-index":    float64(inst.Index),
			"job-total":    float64(len(job.Instances)),
		},
	}
}

// NeedContext is needs.<job>: the job's aggregate result and outputs as
// recorded in the run context.
func NeedContext(rc *models.RunContext, job *plan.Job) map[string]any {
	ns := models.JobNamespace(job.ID())
	result, _ := rc.Get(ns.Qualify("result"))
	outputs := make(map[string]any)
	for k, v := range rc.Scan(ns, "outputs") {
		outputs[k] = v
	}
	return map[string]any{
		"result":  result,
		"outputs": outputs,
	}
}

// StepsContext is steps.<id> for the steps of an instance that already
// ran: their outputs, outcome and conclusion.
func StepsContext(rc *models.RunContext, instance string) map[string]any {
	steps := make(map[string]any)
	for key, value := range rc.Scan(models.InstanceNamespace(instance), "steps") {
		id, rest, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		step, _ := steps[id].(map[string]any)
		if step == nil {
			step = map[string]any{"outputs": map[string]any{}}
			steps[id] = step
		}
		if name, ok := strings.CutPrefix(rest, "outputs."); ok {
			step["outputs"].(map[string]any)[name] = value
			continue
		}
		step[rest] = value
	}
	return steps
}
