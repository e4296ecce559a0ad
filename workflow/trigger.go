package workflow

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindManual      string = "manual"
)

type (
	// Triggers is the `on:` section. It accepts a single event name, a
	// list of names, or a mapping of names to filters.
	Triggers struct {
		Push        *PushFilter
		PullRequest *PullRequestFilter
		Manual      *ManualFilter
	}

	PushFilter struct {
		Branches       StringList `yaml:"branches"`
		BranchesIgnore StringList `yaml:"branches-ignore"`
		Tags           StringList `yaml:"tags"`
	}

	// PullRequestFilter branches are matched against the target branch.
	PullRequestFilter struct {
		Branches       StringList `yaml:"branches"`
		BranchesIgnore StringList `yaml:"branches-ignore"`
	}

	ManualFilter struct {
		Inputs map[string]Input `yaml:"inputs"`
	}

	Input struct {
		Description string `yaml:"description"`
		Default     string `yaml:"default"`
		Required    bool   `yaml:"required"`
	}
)

// Trigger describes the event a run is started for.
type Trigger struct {
	Kind        string            `json:"kind"`
	Repo        string            `json:"repo"`
	Ref         string            `json:"ref"`
	Sha         string            `json:"sha"`
	Actor       string            `json:"actor,omitempty"`
	PullRequest *PullRequest      `json:"pull_request,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
}

type PullRequest struct {
	Number       int    `json:"number"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	SourceSha    string `json:"source_sha"`
}

func (t *Triggers) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return t.set(node.Value, nil)

	case yaml.SequenceNode:
		for _, n := range node.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected an event name", n.Line)
			}
			if err := t.set(n.Value, nil); err != nil {
				return err
			}
		}
		return nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			value := node.Content[i+1]
			if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
				value = nil
			}
			if err := t.set(node.Content[i].Value, value); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("line %d: unsupported trigger definition", node.Line)
}

func (t *Triggers) set(event string, filter *yaml.Node) error {
	decode := func(out any) error {
		if filter == nil {
			return nil
		}
		if err := filter.Decode(out); err != nil {
			return fmt.Errorf("on.%s: %w", event, err)
		}
		return nil
	}

	switch event {
	case TriggerKindPush:
		t.Push = &PushFilter{}
		return decode(t.Push)
	case TriggerKindPullRequest:
		t.PullRequest = &PullRequestFilter{}
		return decode(t.PullRequest)
	case TriggerKindManual:
		t.Manual = &ManualFilter{}
		return decode(t.Manual)
	}

	return fmt.Errorf("unsupported trigger event %q", event)
}

func (t *Triggers) IsEmpty() bool {
	return t.Push == nil && t.PullRequest == nil && t.Manual == nil
}

// Match decides whether the trigger starts a run of this workflow.
func (w *Workflow) Match(trigger Trigger) bool {
	// manual triggers always run the workflow
	if trigger.Kind == TriggerKindManual {
		return true
	}

	// no constraints, always run this workflow
	if w.On.IsEmpty() {
		return true
	}

	switch trigger.Kind {
	case TriggerKindPush:
		return w.On.Push != nil && w.On.Push.Match(trigger.Ref)
	case TriggerKindPullRequest:
		if w.On.PullRequest == nil || trigger.PullRequest == nil {
			return false
		}
		return w.On.PullRequest.MatchBranch(trigger.PullRequest.TargetBranch)
	}

	return false
}

func (f *PushFilter) Match(ref string) bool {
	refName := plumbing.ReferenceName(ref)

	switch {
	case refName.IsBranch():
		// a tag-only filter never fires for branches
		if len(f.Tags) > 0 && len(f.Branches) == 0 && len(f.BranchesIgnore) == 0 {
			return false
		}
		return matchFilter(f.Branches, f.BranchesIgnore, refName.Short())
	case refName.IsTag():
		if len(f.Tags) == 0 {
			return len(f.Branches) == 0 && len(f.BranchesIgnore) == 0
		}
		return matchPatterns(f.Tags, refName.Short())
	}

	return false
}

func (f *PullRequestFilter) MatchBranch(branch string) bool {
	return matchFilter(f.Branches, f.BranchesIgnore, branch)
}

func matchFilter(include, ignore []string, name string) bool {
	if len(include) > 0 && !matchPatterns(include, name) {
		return false
	}
	if len(ignore) > 0 && matchPatterns(ignore, name) {
		return false
	}
	return true
}

// matchPatterns applies patterns in order; a pattern prefixed with !
// removes a previous match.
func matchPatterns(patterns []string, name string) bool {
	matched := false
	for _, p := range patterns {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if Glob(neg, name) {
				matched = false
			}
			continue
		}
		if Glob(p, name) {
			matched = true
		}
	}
	return matched
}

// Glob matches ref names: * stops at a slash, ** spans them and {a,b}
// picks alternatives. Malformed patterns match nothing.
func Glob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// RefName is the short form of the trigger's ref, e.g. main or v1.0.
func (t Trigger) RefName() string {
	return plumbing.ReferenceName(t.Ref).Short()
}

// Branch is the branch the run builds: the pushed branch, or the source
// branch of a pull request.
func (t Trigger) Branch() string {
	if t.PullRequest != nil {
		return t.PullRequest.SourceBranch
	}
	refName := plumbing.ReferenceName(t.Ref)
	if refName.IsBranch() {
		return refName.Short()
	}
	return ""
}

// Context renders the trigger as the `github` expression context.
func (t Trigger) Context(runId string) map[string]any {
	ctx := map[string]any{
		"event_name": t.Kind,
		"ref":        t.Ref,
		"ref_name":   t.RefName(),
		"sha":        t.Sha,
		"repository": t.Repo,
		"actor":      t.Actor,
		"run_id":     runId,
		"base_ref":   "",
		"head_ref":   "",
	}
	if t.PullRequest != nil {
		ctx["base_ref"] = t.PullRequest.TargetBranch
		ctx["head_ref"] = t.PullRequest.SourceBranch
		ctx["event"] = map[string]any{
			"number": t.PullRequest.Number,
		}
	}
	return ctx
}
