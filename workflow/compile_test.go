package workflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trigger = Trigger{
	Kind: TriggerKindPush,
	Repo: "did:plc:alice/spindle",
	Ref:  "refs/heads/main",
	Sha:  strings.Repeat("f", 40),
}

type actionSet []string

func (a actionSet) Has(ref string) bool {
	for _, x := range a {
		if x == ref {
			return true
		}
	}
	return false
}

func mustParse(t *testing.T, src string) Workflow {
	t.Helper()
	wf, err := FromFile("test.yml", []byte(src))
	require.NoError(t, err)
	return wf
}

func TestCompileWorkflow_MatchingWorkflow(t *testing.T) {
	wf := mustParse(t, visualWorkflow)

	c := Compiler{Trigger: trigger}
	cp := c.Compile([]Workflow{wf})

	assert.Len(t, cp, 1)
	assert.False(t, c.Diagnostics.IsErr(), c.Diagnostics.Errors)
}

func TestCompileWorkflow_TriggerMismatch(t *testing.T) {
	wf := mustParse(t, "on:\n  push:\n    branches: [master]\njobs:\n  a:\n    steps:\n      - run: true\n")

	c := Compiler{Trigger: trigger}
	cp := c.Compile([]Workflow{wf})

	assert.Len(t, cp, 0)
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, WorkflowSkipped, c.Diagnostics.Warnings[0].Type)
}

func TestCompileWorkflow_InvalidIsDropped(t *testing.T) {
	wf := mustParse(t, "on: push\njobs:\n  a:\n    needs: ghost\n    steps:\n      - run: true\n")

	c := Compiler{Trigger: trigger}
	cp := c.Compile([]Workflow{wf})

	assert.Len(t, cp, 0)
	assert.True(t, c.Diagnostics.IsErr())
}

func TestCompileWorkflow_ParseError(t *testing.T) {
	c := Compiler{Trigger: trigger}
	pp := c.Parse(RawPipeline{
		{Name: "ok.yml", Contents: []byte("jobs: {}")},
		{Name: "broken.yml", Contents: []byte("jobs: [")},
	})

	assert.Len(t, pp, 1)
	require.Len(t, c.Diagnostics.Errors, 1)
	assert.Equal(t, "broken.yml", c.Diagnostics.Errors[0].Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []error
	}{
		{
			name: "no jobs",
			src:  "jobs: {}",
			want: []error{ErrNoJobs},
		},
		{
			name: "unknown need",
			src:  "jobs:\n  a:\n    needs: b\n    steps: [{run: x}]",
			want: []error{ErrUnknownNeed},
		},
		{
			name: "cycle",
			src: `
jobs:
  a:
    needs: c
    steps: [{run: x}]
  b:
    needs: a
    steps: [{run: x}]
  c:
    needs: b
    steps: [{run: x}]
`,
			want: []error{ErrDependencyCycle},
		},
		{
			name: "self dependency",
			src:  "jobs:\n  a:\n    needs: a\n    steps: [{run: x}]",
			want: []error{ErrDependencyCycle},
		},
		{
			name: "no steps",
			src:  "jobs:\n  a:\n    runs-on: linux",
			want: []error{ErrNoSteps},
		},
		{
			name: "step with both uses and run",
			src:  "jobs:\n  a:\n    steps: [{run: x, uses: actions/checkout@v4}]",
			want: []error{ErrStepKind},
		},
		{
			name: "unknown action",
			src:  "jobs:\n  a:\n    steps: [{uses: acme/deploy@v1}]",
			want: []error{ErrUnknownAction},
		},
		{
			name: "action without version",
			src:  "jobs:\n  a:\n    steps: [{uses: actions/checkout}]",
			want: []error{ErrUnknownAction},
		},
		{
			name: "malformed guard",
			src:  "jobs:\n  a:\n    if: github.ref ==\n    steps: [{run: x}]",
			want: []error{ErrInvalidExpression},
		},
		{
			name: "malformed interpolation",
			src:  "jobs:\n  a:\n    steps: [{run: 'echo ${{ matrix.x '}]",
			want: []error{ErrInvalidExpression},
		},
		{
			name: "undefined matrix axis",
			src:  "jobs:\n  a:\n    strategy:\n      matrix:\n        os: [linux]\n    steps: [{run: 'echo ${{ matrix.node }}'}]",
			want: []error{ErrUndefinedMatrixAxis},
		},
		{
			name: "matrix reference without matrix",
			src:  "jobs:\n  a:\n    steps: [{run: 'echo ${{ matrix.os }}'}]",
			want: []error{ErrUndefinedMatrixAxis},
		},
		{
			name: "needs reference outside needs",
			src:  "jobs:\n  a:\n    steps: [{run: x}]\n  b:\n    steps: [{run: 'echo ${{ needs.a.outputs.x }}'}]",
			want: []error{ErrNeedsReference},
		},
		{
			name: "unknown context",
			src:  "jobs:\n  a:\n    if: vars.enabled\n    steps: [{run: x}]",
			want: []error{ErrUnknownContext},
		},
		{
			name: "duplicate step id",
			src:  "jobs:\n  a:\n    steps: [{id: s, run: x}, {id: s, run: y}]",
			want: []error{ErrDuplicateStepID},
		},
		{
			name: "bad needs policy",
			src:  "jobs:\n  a:\n    needs-policy: lenient\n    steps: [{run: x}]",
			want: []error{ErrInvalidNeedsPolicy},
		},
		{
			name: "empty matrix",
			src:  "jobs:\n  a:\n    strategy:\n      matrix:\n        os: []\n    steps: [{run: x}]",
			want: []error{ErrEmptyMatrix},
		},
		{
			name: "duplicate combination",
			src:  "jobs:\n  a:\n    strategy:\n      matrix:\n        os: [linux, linux]\n    steps: [{run: x}]",
			want: []error{ErrDuplicateCombo},
		},
		{
			name: "several problems at once",
			src:  "jobs:\n  a:\n    needs: ghost\n    steps: []\n  b:\n    steps: [{uses: nope@v1}]",
			want: []error{ErrUnknownNeed, ErrNoSteps, ErrUnknownAction},
		},
	}

	actions := actionSet{"actions/checkout@v4"}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			wf := mustParse(t, test.src)
			err := Validate(&wf, actions)

			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			for _, want := range test.want {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestValidate_CycleReportedOnce(t *testing.T) {
	wf := mustParse(t, "jobs:\n  a:\n    needs: b\n    steps: [{run: x}]\n  b:\n    needs: a\n    steps: [{run: x}]\n")

	err := Validate(&wf, nil)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.Len(t, cerr.Errors, 1)
	assert.Contains(t, cerr.Errors[0].Error.Error(), "a -> b -> a")
}

func TestValidate_Valid(t *testing.T) {
	wf := mustParse(t, visualWorkflow)
	actions := actionSet{
		"actions/checkout@v4",
		"actions/cache@v4",
		"actions/upload-artifact@v4",
		"spindle/snapshot-diff@v1",
	}

	assert.NoError(t, Validate(&wf, actions))
}

func TestValidate_UnknownStepIsWarning(t *testing.T) {
	wf := mustParse(t, "jobs:\n  a:\n    steps: [{run: 'echo ${{ steps.later.outputs.x }}'}, {id: later, run: y}]")

	d := Analyze(&wf, nil)
	assert.False(t, d.IsErr())
	require.Len(t, d.Warnings, 1)
	assert.Equal(t, UnknownStep, d.Warnings[0].Type)
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{
		Workflow: "ci.yml",
		Errors: []Error{
			{Path: "jobs.a.needs", Error: ErrUnknownNeed},
			{Path: "jobs.b.steps", Error: ErrNoSteps},
		},
	}

	assert.Equal(t, "invalid workflow ci.yml: jobs.a.needs: unknown job in needs; jobs.b.steps: job has no steps", err.Error())
	assert.True(t, errors.Is(err, ErrNoSteps))
}

func TestMatch(t *testing.T) {
	wf := mustParse(t, `
on:
  push:
    branches: [main, 'release/**', '!release/old/*']
    tags: ['v*']
  pull_request:
    branches: [main]
jobs: {}
`)

	push := func(ref string) Trigger {
		return Trigger{Kind: TriggerKindPush, Ref: ref}
	}

	tests := []struct {
		name    string
		trigger Trigger
		want    bool
	}{
		{"main branch", push("refs/heads/main"), true},
		{"release branch", push("refs/heads/release/2.0/rc"), true},
		{"negated release branch", push("refs/heads/release/old/1"), false},
		{"feature branch", push("refs/heads/feature"), false},
		{"version tag", push("refs/tags/v1.0.0"), true},
		{"other tag", push("refs/tags/nightly"), false},
		{"pull request into main", pr("main"), true},
		{"pull request into develop", pr("develop"), false},
		{"manual", Trigger{Kind: TriggerKindManual}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, wf.Match(test.trigger))
		})
	}
}

func TestMatch_TagsOnly(t *testing.T) {
	wf := mustParse(t, "on:\n  push:\n    tags: ['v*']\njobs: {}")

	assert.False(t, wf.Match(Trigger{Kind: TriggerKindPush, Ref: "refs/heads/main"}))
	assert.True(t, wf.Match(Trigger{Kind: TriggerKindPush, Ref: "refs/tags/v2"}))
}

func TestMatch_NoTriggers(t *testing.T) {
	wf := mustParse(t, "jobs: {}")
	assert.True(t, wf.Match(Trigger{Kind: TriggerKindPush, Ref: "refs/heads/anything"}))
}

func TestGlob(t *testing.T) {
	assert.True(t, Glob("feature/*", "feature/x"))
	assert.False(t, Glob("feature/*", "feature/x/y"))
	assert.True(t, Glob("feature/**", "feature/x/y"))
	assert.True(t, Glob("v?.0", "v1.0"))
	assert.False(t, Glob("main", "main2"))
	assert.True(t, Glob("a.b", "a.b"))
	assert.False(t, Glob("a.b", "axb"))
	assert.True(t, Glob("release/{v1,v2}", "release/v2"))
	assert.False(t, Glob("release/{v1,v2}", "release/v3"))
	assert.False(t, Glob("release/[", "release/["))
}

func TestTriggerContext(t *testing.T) {
	ctx := pr("main").Context("run-1")
	assert.Equal(t, "pull_request", ctx["event_name"])
	assert.Equal(t, "main", ctx["base_ref"])
	assert.Equal(t, "feature", ctx["head_ref"])
	assert.Equal(t, "run-1", ctx["run_id"])

	ctx = trigger.Context("run-2")
	assert.Equal(t, "main", ctx["ref_name"])
	assert.Equal(t, "", ctx["base_ref"])
}

func pr(target string) Trigger {
	return Trigger{
		Kind: TriggerKindPullRequest,
		Ref:  "refs/pull/1/head",
		PullRequest: &PullRequest{
			Number:       1,
			SourceBranch: "feature",
			TargetBranch: target,
		},
	}
}
