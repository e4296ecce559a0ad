package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/cache"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/snapshot"
	"tangled.org/spindle/workflow"
)

var ErrUnknownAction = errors.New("unknown action")

// Executor runs a `uses:` step.
type Executor interface {
	Run(ctx context.Context, sc *StepContext) error
}

type ExecutorFunc func(ctx context.Context, sc *StepContext) error

func (f ExecutorFunc) Run(ctx context.Context, sc *StepContext) error {
	return f(ctx, sc)
}

// Registry maps action references (name@version) to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(ref string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ref] = e
}

var versionRe = regexp.MustCompile(`^(v\d+)(\.\d+)*$`)

// Resolve finds the executor for ref: an exact registration first, then
// the registration for its major version, so name@v4.1.0 resolves to
// name@v4.
func (r *Registry) Resolve(ref string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.executors[ref]; ok {
		return e, nil
	}

	name, version, ok := strings.Cut(ref, "@")
	if ok {
		if m := versionRe.FindStringSubmatch(version); m != nil {
			if e, ok := r.executors[name+"@"+m[1]]; ok {
				return e, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, ref)
}

// Has makes a Registry usable as a workflow.ActionSet.
func (r *Registry) Has(ref string) bool {
	_, err := r.Resolve(ref)
	return err == nil
}

// Refs lists every registered reference.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.executors))
	for ref := range r.executors {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// ArtifactStore is the part of the artifact store actions use.
type ArtifactStore interface {
	Upload(ctx context.Context, run, job, name string, payload io.Reader, retention time.Duration) (artifacts.Artifact, error)
	Download(ctx context.Context, run, job, name string) (artifacts.Artifact, io.ReadCloser, error)
	List(ctx context.Context, run string) ([]artifacts.Artifact, error)
}

// BaselineFinder locates the run snapshots are compared against.
type BaselineFinder interface {
	// Baseline returns the latest successful run of repo on branch that
	// uploaded artifacts matching pattern, or snapshot.ErrNoBaseline.
	Baseline(ctx context.Context, repo, branch, pattern string) (*snapshot.Baseline, error)
}

// Services are the collaborators built-in actions reach for. Any of
// them may be nil, in which case the actions needing it fail.
type Services struct {
	Cache     cache.Store
	Artifacts ArtifactStore
	Differ    snapshot.Differ
	Baselines BaselineFinder

	Clone models.CloneOpts
	Dev   bool

	// TrunkBranch is the default baseline branch for snapshot diffs.
	TrunkBranch string
	// DefaultRetention applies to artifacts uploaded without
	// retention-days.
	DefaultRetention time.Duration
}

// PostCondition decides whether a post hook runs.
type PostCondition int

const (
	// PostOnSuccess runs only when the instance has not failed.
	PostOnSuccess PostCondition = iota
	PostAlways
)

// PostHook is deferred work an action registers for the end of the
// instance, such as saving a cache.
type PostHook struct {
	Name string
	If   PostCondition
	Run  func(ctx context.Context) error
}

// StepContext is what an executor sees of the step it runs.
type StepContext struct {
	Run      models.RunId
	Instance models.InstanceId
	RunsOn   []string
	Trigger  workflow.Trigger

	// Inputs are the step's `with` values, interpolated.
	Inputs map[string]string
	Env    map[string]string

	Engine   models.Engine
	Services *Services
	Logger   *slog.Logger

	Stdout io.Writer
	Stderr io.Writer

	mu      sync.Mutex
	outputs map[string]string
	post    []PostHook
}

func (sc *StepContext) Input(name, fallback string) string {
	if v, ok := sc.Inputs[name]; ok && v != "" {
		return v
	}
	return fallback
}

func (sc *StepContext) SetOutput(name, value string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.outputs == nil {
		sc.outputs = make(map[string]string)
	}
	sc.outputs[name] = value
}

func (sc *StepContext) Outputs() map[string]string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make(map[string]string, len(sc.outputs))
	for k, v := range sc.outputs {
		out[k] = v
	}
	return out
}

// Post defers fn to the end of the instance.
func (sc *StepContext) Post(name string, cond PostCondition, fn func(ctx context.Context) error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.post = append(sc.post, PostHook{Name: name, If: cond, Run: fn})
}

func (sc *StepContext) PostHooks() []PostHook {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]PostHook(nil), sc.post...)
}

// Exec runs a shell script in the instance's environment with the step's
// env and output streams.
func (sc *StepContext) Exec(ctx context.Context, name, script string) error {
	return sc.Engine.RunStep(ctx, sc.Instance, models.Command{
		Name:   name,
		Script: script,
		Env:    sc.Env,
	}, sc.Stdout, sc.Stderr)
}

// Printf writes a line to the step's stdout.
func (sc *StepContext) Printf(format string, args ...any) {
	fmt.Fprintf(sc.Stdout, format+"\n", args...)
}

// Lines splits a multi-line input into its non-empty lines.
func Lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
