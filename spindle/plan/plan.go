package plan

import (
	"fmt"
	"time"

	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/workflow"
	"tangled.org/spindle/workflow/expr"
)

// Plan is a validated workflow expanded into job instances, ready to be
// scheduled.
type Plan struct {
	Workflow *workflow.Workflow
	Trigger  workflow.Trigger

	// Jobs in declaration order.
	Jobs []*Job

	// Instances in execution order: every instance comes after all of
	// its dependencies.
	Instances []*Instance
}

type Job struct {
	Def   *workflow.Job
	Index int

	// Guard is the parsed job condition; success() when the job has none.
	Guard expr.Node

	// StepGuards holds the parsed condition of every step.
	StepGuards []expr.Node

	Needs     []*Job
	Instances []*Instance
}

func (j *Job) ID() string {
	return j.Def.ID
}

// Timeout is the job's own timeout, or fallback when it sets none.
func (j *Job) Timeout(fallback time.Duration) time.Duration {
	if j.Def.TimeoutMinutes > 0 {
		return time.Duration(j.Def.TimeoutMinutes) * time.Minute
	}
	return fallback
}

// Instance is one matrix combination of a job.
type Instance struct {
	ID     string
	Job    *Job
	Index  int // position in the job's matrix
	Matrix workflow.Combination

	// Deps are every instance of every job this one needs.
	Deps []*Instance
}

// MatrixContext is the `matrix` expression context of the instance.
func (i *Instance) MatrixContext() map[string]any {
	m := make(map[string]any, len(i.Matrix.Values))
	for k, v := range i.Matrix.Values {
		m[k] = v
	}
	return m
}

// Build validates wf and expands it into a plan. Validation failures
// are returned as a *workflow.ConfigError and nothing is planned.
func Build(wf *workflow.Workflow, trigger workflow.Trigger, actions workflow.ActionSet) (*Plan, error) {
	if err := workflow.Validate(wf, actions); err != nil {
		return nil, err
	}

	p := &Plan{
		Workflow: wf,
		Trigger:  trigger,
	}

	byID := make(map[string]*Job, len(wf.Jobs))
	for idx, def := range wf.Jobs {
		job := &Job{Def: def, Index: idx}

		guard, err := expr.ParseGuard(string(def.If))
		if err != nil {
			return nil, configError(wf, "jobs."+def.ID+".if", err)
		}
		job.Guard = guard

		for i, step := range def.Steps {
			g, err := expr.ParseGuard(string(step.If))
			if err != nil {
				return nil, configError(wf, fmt.Sprintf("jobs.%s.steps[%d].if", def.ID, i), err)
			}
			job.StepGuards = append(job.StepGuards, g)
		}

		combos := []workflow.Combination{{}}
		if def.Strategy.Matrix != nil {
			combos = def.Strategy.Matrix.Expand()
		}
		seen := make(map[string]bool, len(combos))
		for i, c := range combos {
			inst := &Instance{
				ID:     def.ID + c.Suffix(),
				Job:    job,
				Index:  i,
				Matrix: c,
			}
			if seen[inst.ID] {
				return nil, configError(wf, "jobs."+def.ID+".strategy.matrix",
					fmt.Errorf("%w: %s", workflow.ErrDuplicateCombo, c.Suffix()))
			}
			seen[inst.ID] = true
			job.Instances = append(job.Instances, inst)
		}

		byID[def.ID] = job
		p.Jobs = append(p.Jobs, job)
	}

	for _, job := range p.Jobs {
		for _, need := range job.Def.Needs {
			dep := byID[need]
			job.Needs = append(job.Needs, dep)
			for _, inst := range job.Instances {
				inst.Deps = append(inst.Deps, dep.Instances...)
			}
		}
	}

	order, err := topoSort(p.Jobs)
	if err != nil {
		return nil, configError(wf, "jobs", err)
	}
	p.Instances = order

	return p, nil
}

func configError(wf *workflow.Workflow, path string, err error) error {
	name := wf.File
	if name == "" {
		name = wf.Name
	}
	return &workflow.ConfigError{
		Workflow: name,
		Errors:   []workflow.Error{{Path: path, Error: err}},
	}
}

func (p *Plan) Job(id string) (*Job, bool) {
	for _, j := range p.Jobs {
		if j.ID() == id {
			return j, true
		}
	}
	return nil, false
}

func (p *Plan) Instance(id string) (*Instance, bool) {
	for _, i := range p.Instances {
		if i.ID == id {
			return i, true
		}
	}
	return nil, false
}

// Order lists instance ids in execution order.
func (p *Plan) Order() []string {
	ids := make([]string, len(p.Instances))
	for i, inst := range p.Instances {
		ids[i] = inst.ID
	}
	return ids
}

// Bind writes every instance's matrix values into rc under
// instances.<id>.matrix.<axis>.
func (p *Plan) Bind(rc *models.RunContext) error {
	for _, inst := range p.Instances {
		ns := models.InstanceNamespace(inst.ID)
		for _, k := range inst.Matrix.Keys {
			if _, err := rc.Put(ns, "matrix."+k, expr.Stringify(inst.Matrix.Values[k])); err != nil {
				return err
			}
		}
	}
	return nil
}
