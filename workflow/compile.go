package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"tangled.org/spindle/workflow/expr"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type RawPipeline = []RawWorkflow

// ActionSet reports whether a `uses:` reference can be resolved.
type ActionSet interface {
	Has(ref string) bool
}

type Compiler struct {
	Trigger     Trigger
	Actions     ActionSet
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrNoJobs              = errors.New("workflow has no jobs")
	ErrNoSteps             = errors.New("job has no steps")
	ErrInvalidID           = errors.New("invalid identifier")
	ErrUnknownNeed         = errors.New("unknown job in needs")
	ErrDependencyCycle     = errors.New("dependency cycle")
	ErrStepKind            = errors.New("step must have exactly one of `uses` and `run`")
	ErrUnknownAction       = errors.New("unknown action")
	ErrUndefinedMatrixAxis = errors.New("undefined matrix axis")
	ErrEmptyMatrix         = errors.New("matrix expands to no combinations")
	ErrDuplicateCombo      = errors.New("matrix combination appears twice")
	ErrNeedsReference      = errors.New("reference to a job not listed in needs")
	ErrDuplicateStepID     = errors.New("duplicate step id")
	ErrInvalidExpression   = errors.New("invalid expression")
	ErrUnknownContext      = errors.New("unknown expression context")
	ErrInvalidNeedsPolicy  = errors.New("invalid needs-policy")
	ErrNegativeTimeout     = errors.New("timeout-minutes must not be negative")
)

type WarningKind string

var (
	WorkflowSkipped      WarningKind = "workflow skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
	UnknownStep          WarningKind = "unknown step"
)

// ConfigError is a workflow that cannot be planned. It lists every
// problem found, not just the first one.
type ConfigError struct {
	Workflow string
	Errors   []Error
}

func (e *ConfigError) Error() string {
	lines := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		lines[i] = err.Path + ": " + err.Error.Error()
	}
	return fmt.Sprintf("invalid workflow %s: %s", e.Workflow, strings.Join(lines, "; "))
}

func (e *ConfigError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		errs[i] = err.Error
	}
	return errs
}

func (compiler *Compiler) Parse(p RawPipeline) Pipeline {
	var pp Pipeline

	for _, w := range p {
		wf, err := FromFile(w.Name, w.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(w.Name, err)
			continue
		}

		pp = append(pp, wf)
	}

	return pp
}

// Compile keeps the workflows that the trigger starts and that are
// valid; everything else is recorded in the diagnostics.
func (compiler *Compiler) Compile(p Pipeline) Pipeline {
	var cp Pipeline

	for _, wf := range p {
		if !wf.Match(compiler.Trigger) {
			compiler.Diagnostics.AddWarning(
				wf.File,
				WorkflowSkipped,
				fmt.Sprintf("did not match trigger %s", compiler.Trigger.Kind),
			)
			continue
		}

		d := Analyze(&wf, compiler.Actions)
		for _, e := range d.Errors {
			compiler.Diagnostics.AddError(wf.File+": "+e.Path, e.Error)
		}
		for _, w := range d.Warnings {
			compiler.Diagnostics.AddWarning(wf.File+": "+w.Path, w.Type, w.Reason)
		}
		if d.IsErr() {
			continue
		}

		cp = append(cp, wf)
	}

	return cp
}

// Validate returns a *ConfigError listing every problem in w, or nil.
func Validate(w *Workflow, actions ActionSet) error {
	d := Analyze(w, actions)
	if !d.IsErr() {
		return nil
	}
	name := w.File
	if name == "" {
		name = w.Name
	}
	return &ConfigError{Workflow: name, Errors: d.Errors}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

var knownContexts = []string{
	"github", "matrix", "needs", "steps", "env", "secrets",
	"runner", "job", "inputs", "strategy",
}

// Analyze checks a workflow without running anything.
func Analyze(w *Workflow, actions ActionSet) Diagnostics {
	a := analyzer{wf: w, actions: actions}
	a.run()
	return a.d
}

type analyzer struct {
	wf      *Workflow
	actions ActionSet
	d       Diagnostics
}

func (a *analyzer) run() {
	if len(a.wf.Jobs) == 0 {
		a.d.AddError("jobs", ErrNoJobs)
		return
	}

	if a.wf.Concurrency != nil {
		a.template("concurrency.group", a.wf.Concurrency.Group, nil, nil)
	}
	for k, v := range a.wf.Env {
		a.template("env."+k, v, nil, nil)
	}

	for _, job := range a.wf.Jobs {
		a.job(job)
	}

	a.cycles()
}

func (a *analyzer) job(job *Job) {
	path := "jobs." + job.ID

	if !identRe.MatchString(job.ID) {
		a.d.AddError(path, fmt.Errorf("%w: %q", ErrInvalidID, job.ID))
	}

	for _, need := range job.Needs {
		if need == job.ID {
			a.d.AddError(path+".needs", fmt.Errorf("%w: %s needs itself", ErrDependencyCycle, job.ID))
			continue
		}
		if _, ok := a.wf.Job(need); !ok {
			a.d.AddError(path+".needs", fmt.Errorf("%w: %q", ErrUnknownNeed, need))
		}
	}

	if !job.NeedsPolicy.Valid() {
		a.d.AddError(path+".needs-policy", fmt.Errorf("%w: %q", ErrInvalidNeedsPolicy, job.NeedsPolicy))
	}
	if job.TimeoutMinutes < 0 {
		a.d.AddError(path+".timeout-minutes", ErrNegativeTimeout)
	}

	if m := job.Strategy.Matrix; m != nil {
		for _, axis := range m.Axes {
			if len(axis.Values) == 0 {
				a.d.AddWarning(path+".strategy.matrix."+axis.Name, InvalidConfiguration, "axis has no values")
			}
		}
		combos := m.Expand()
		if len(combos) == 0 {
			a.d.AddError(path+".strategy.matrix", ErrEmptyMatrix)
		}
		seen := make(map[string]bool, len(combos))
		for _, c := range combos {
			if seen[c.Suffix()] {
				a.d.AddError(path+".strategy.matrix", fmt.Errorf("%w: %s", ErrDuplicateCombo, c.Suffix()))
			}
			seen[c.Suffix()] = true
		}
	}

	if job.If != "" {
		a.expression(path+".if", string(job.If), job, nil)
	}
	a.template(path+".name", job.Name, job, nil)
	for i, label := range job.RunsOn {
		a.template(fmt.Sprintf("%s.runs-on[%d]", path, i), label, job, nil)
	}
	for k, v := range job.Env {
		a.template(path+".env."+k, v, job, nil)
	}

	allSteps := make([]string, 0, len(job.Steps))
	for i := range job.Steps {
		allSteps = append(allSteps, job.StepID(i))
	}
	for k, v := range job.Outputs {
		a.template(path+".outputs."+k, v, job, allSteps)
	}

	if len(job.Steps) == 0 {
		a.d.AddError(path+".steps", ErrNoSteps)
		return
	}

	seen := make(map[string]bool)
	for i := range job.Steps {
		step := &job.Steps[i]
		spath := fmt.Sprintf("%s.steps[%d]", path, i)
		earlier := allSteps[:i]

		if step.ID != "" {
			if !identRe.MatchString(step.ID) {
				a.d.AddError(spath+".id", fmt.Errorf("%w: %q", ErrInvalidID, step.ID))
			}
			if seen[step.ID] {
				a.d.AddError(spath+".id", fmt.Errorf("%w: %q", ErrDuplicateStepID, step.ID))
			}
			seen[step.ID] = true
		}

		if (step.Uses == "") == (step.Run == "") {
			a.d.AddError(spath, ErrStepKind)
		}
		if step.Uses != "" {
			a.uses(spath+".uses", step.Uses)
		}
		if step.TimeoutMinutes < 0 {
			a.d.AddError(spath+".timeout-minutes", ErrNegativeTimeout)
		}

		if step.If != "" {
			a.expression(spath+".if", string(step.If), job, earlier)
		}
		a.template(spath+".name", step.Name, job, earlier)
		a.template(spath+".run", step.Run, job, earlier)
		a.template(spath+".working-directory", step.WorkingDirectory, job, earlier)
		for k, v := range step.With {
			a.template(spath+".with."+k, v, job, earlier)
		}
		for k, v := range step.Env {
			a.template(spath+".env."+k, v, job, earlier)
		}
	}
}

func (a *analyzer) uses(path, ref string) {
	name, version, ok := strings.Cut(ref, "@")
	if !ok || name == "" || version == "" {
		a.d.AddError(path, fmt.Errorf("%w: %q has no version", ErrUnknownAction, ref))
		return
	}
	if a.actions != nil && !a.actions.Has(ref) {
		a.d.AddError(path, fmt.Errorf("%w: %q", ErrUnknownAction, ref))
	}
}

func (a *analyzer) expression(path, src string, job *Job, steps []string) {
	n, err := expr.Parse(src)
	if err != nil {
		a.d.AddError(path, fmt.Errorf("%w: %w", ErrInvalidExpression, err))
		return
	}
	a.references(path, n, job, steps)
}

func (a *analyzer) template(path, src string, job *Job, steps []string) {
	if !expr.HasExpr(src) {
		return
	}
	t, err := expr.ParseTemplate(src)
	if err != nil {
		a.d.AddError(path, fmt.Errorf("%w: %w", ErrInvalidExpression, err))
		return
	}
	for _, n := range t.Exprs() {
		a.references(path, n, job, steps)
	}
}

// references checks that every context an expression dereferences can
// exist where it is used.
func (a *analyzer) references(path string, n expr.Node, job *Job, steps []string) {
	expr.Walk(n, func(n expr.Node) bool {
		if id, ok := n.(*expr.Ident); ok && !slices.Contains(knownContexts, id.Name) {
			a.d.AddError(path, fmt.Errorf("%w: %q", ErrUnknownContext, id.Name))
		}
		return true
	})

	if job == nil {
		return
	}

	var axes []string
	if job.Strategy.Matrix != nil {
		axes = job.Strategy.Matrix.Keys()
	}
	for _, ref := range expr.References(n, "matrix") {
		if len(ref) < 2 {
			continue
		}
		if !slices.Contains(axes, ref[1]) {
			a.d.AddError(path, fmt.Errorf("%w: matrix.%s in job %s", ErrUndefinedMatrixAxis, ref[1], job.ID))
		}
	}

	for _, ref := range expr.References(n, "needs") {
		if len(ref) < 2 {
			continue
		}
		if !slices.Contains(job.Needs, ref[1]) {
			a.d.AddError(path, fmt.Errorf("%w: needs.%s", ErrNeedsReference, ref[1]))
		}
	}

	if steps == nil {
		return
	}
	for _, ref := range expr.References(n, "steps") {
		if len(ref) < 2 || ref[1] == "*" {
			continue
		}
		if !slices.Contains(steps, ref[1]) {
			a.d.AddWarning(path, UnknownStep, fmt.Sprintf("steps.%s does not refer to an earlier step", ref[1]))
		}
	}
}

// cycles reports each dependency cycle once, with its path.
func (a *analyzer) cycles() {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting
		stack = append(stack, id)

		job, _ := a.wf.Job(id)
		for _, need := range job.Needs {
			if need == id {
				continue // reported as a self dependency
			}
			if _, ok := a.wf.Job(need); !ok {
				continue
			}
			switch state[need] {
			case unvisited:
				visit(need)
			case visiting:
				start := slices.Index(stack, need)
				cycle := append(slices.Clone(stack[start:]), need)
				a.d.AddError("jobs."+need+".needs", fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> ")))
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, job := range a.wf.Jobs {
		if state[job.ID] == unvisited {
			visit(job.ID)
		}
	}
}
