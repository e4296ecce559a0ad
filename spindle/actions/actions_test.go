package actions

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/cache"
	"tangled.org/spindle/spindle/engines/local"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/snapshot"
	"tangled.org/spindle/workflow"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("actions/cache@v4", ExecutorFunc(func(context.Context, *StepContext) error { return nil }))

	tests := []struct {
		ref string
		ok  bool
	}{
		{"actions/cache@v4", true},
		{"actions/cache@v4.2", true},
		{"actions/cache@v4.2.1", true},
		{"actions/cache@v3", false},
		{"actions/cache@main", false},
		{"actions/cache", false},
		{"actions/other@v4", false},
	}

	for _, test := range tests {
		t.Run(test.ref, func(t *testing.T) {
			_, err := r.Resolve(test.ref)
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnknownAction)
			}
			assert.Equal(t, test.ok, r.Has(test.ref))
		})
	}
}

func TestBuiltinsAreValidActions(t *testing.T) {
	r := Builtins()
	var _ workflow.ActionSet = r
	assert.Equal(t, []string{Checkout, Cache, DownloadArtifact, UploadArtifact, SnapshotDiff}, r.Refs())
}

type fixture struct {
	engine   *local.Engine
	services *Services
	art      *artifacts.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	e, err := local.New(context.Background(), filepath.Join(dir, "ws"), time.Minute)
	require.NoError(t, err)

	c, err := cache.NewFSStore(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	db, err := sql.Open("sqlite3", filepath.Join(dir, "spindle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := artifacts.NewFSBlobs(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	art, err := artifacts.New(db, blobs)
	require.NoError(t, err)
	t.Cleanup(art.Close)

	differ := &snapshot.DigestDiffer{Fetcher: snapshot.FetcherFunc(func(ctx context.Context, ref snapshot.Ref) (io.ReadCloser, error) {
		_, rc, err := art.Download(ctx, ref.Run, ref.Job, ref.Artifact)
		return rc, err
	})}

	return &fixture{
		engine: e,
		art:    art,
		services: &Services{
			Cache:       c,
			Artifacts:   art,
			Differ:      differ,
			Clone:       models.CloneOpts{Skip: true},
			TrunkBranch: "main",
		},
	}
}

func (f *fixture) instance(t *testing.T, run, name string) models.InstanceId {
	t.Helper()
	iid := models.InstanceId{Run: models.RunId(run), Name: name}
	require.NoError(t, f.engine.SetupWorkflow(context.Background(), iid, models.Environment{}))
	t.Cleanup(func() { f.engine.DestroyWorkflow(context.Background(), iid) })
	return iid
}

func (f *fixture) step(iid models.InstanceId, inputs map[string]string) (*StepContext, *bytes.Buffer) {
	var out bytes.Buffer
	return &StepContext{
		Run:      iid.Run,
		Instance: iid,
		RunsOn:   []string{"ubuntu-latest"},
		Trigger:  workflow.Trigger{Kind: workflow.TriggerKindPush, Repo: "spindle", Ref: "refs/heads/feature"},
		Inputs:   inputs,
		Engine:   f.engine,
		Services: f.services,
		Stdout:   &out,
		Stderr:   &out,
	}, &out
}

func (f *fixture) sh(t *testing.T, iid models.InstanceId, script string) {
	t.Helper()
	var out bytes.Buffer
	err := f.engine.RunStep(context.Background(), iid, models.Command{Script: script}, &out, &out)
	require.NoError(t, err, out.String())
}

func runPost(t *testing.T, sc *StepContext) {
	t.Helper()
	for _, h := range sc.PostHooks() {
		require.NoError(t, h.Run(context.Background()), h.Name)
	}
}

func TestCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inputs := map[string]string{
		"key":          "deps-aaa",
		"restore-keys": "deps-",
		"path":         "node_modules",
	}

	// first run: miss, then save on success
	first := f.instance(t, "run-1", "build")
	sc, _ := f.step(first, inputs)
	require.NoError(t, restoreCache(ctx, sc))
	assert.Equal(t, "false", sc.Outputs()["cache-hit"])
	require.Len(t, sc.PostHooks(), 1)
	assert.Equal(t, PostOnSuccess, sc.PostHooks()[0].If)

	f.sh(t, first, "mkdir -p node_modules/react && echo v18 > node_modules/react/index.js")
	runPost(t, sc)

	// same key: exact hit, nothing to save
	second := f.instance(t, "run-2", "build")
	sc, _ = f.step(second, inputs)
	require.NoError(t, restoreCache(ctx, sc))
	assert.Equal(t, "true", sc.Outputs()["cache-hit"])
	assert.Empty(t, sc.PostHooks())
	f.sh(t, second, "test \"$(cat node_modules/react/index.js)\" = v18")

	// new key: partial hit through the prefix, install and save again
	third := f.instance(t, "run-3", "build")
	inputs["key"] = "deps-bbb"
	sc, _ = f.step(third, inputs)
	require.NoError(t, restoreCache(ctx, sc))
	assert.Equal(t, "false", sc.Outputs()["cache-hit"])
	assert.Equal(t, "deps-aaa", sc.Outputs()["cache-matched-key"])
	assert.Len(t, sc.PostHooks(), 1)
	f.sh(t, third, "test -f node_modules/react/index.js")
}

func TestCacheScopedByRunner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inputs := map[string]string{"key": "deps-aaa", "path": "node_modules"}

	a := f.instance(t, "run-1", "build")
	sc, _ := f.step(a, inputs)
	require.NoError(t, restoreCache(ctx, sc))
	f.sh(t, a, "mkdir -p node_modules && touch node_modules/x")
	runPost(t, sc)

	b := f.instance(t, "run-2", "build")
	sc, _ = f.step(b, inputs)
	sc.RunsOn = []string{"macos-latest"}
	require.NoError(t, restoreCache(ctx, sc))
	assert.Equal(t, "false", sc.Outputs()["cache-hit"])
}

func TestUploadDownloadArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	producer := f.instance(t, "run-1", "acceptance(instance=0)")
	f.sh(t, producer, "mkdir -p snapshots && echo home > snapshots/home.png")

	sc, _ := f.step(producer, map[string]string{"name": "snapshots-0", "path": "snapshots"})
	require.NoError(t, uploadArtifact(ctx, sc))
	assert.NotEmpty(t, sc.Outputs()["artifact-digest"])

	// write-once
	sc, _ = f.step(producer, map[string]string{"name": "snapshots-0", "path": "snapshots"})
	assert.ErrorIs(t, uploadArtifact(ctx, sc), artifacts.ErrAlreadyExists)

	consumer := f.instance(t, "run-1", "diff")
	sc, _ = f.step(consumer, map[string]string{"name": "snapshots-0", "path": "in"})
	require.NoError(t, downloadArtifact(ctx, sc))
	assert.Equal(t, "true", sc.Outputs()["found"])

	ws, err := f.engine.Workspace(consumer)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(ws, "in", "snapshots", "home.png"))
	require.NoError(t, err)
	assert.Equal(t, "home\n", string(got))
}

func TestUploadNestedPathKeepsLayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	producer := f.instance(t, "run-1", "build")
	f.sh(t, producer, "mkdir -p web/dist && echo js > web/dist/app.js")
	sc, _ := f.step(producer, map[string]string{"name": "dist", "path": "web/dist"})
	require.NoError(t, uploadArtifact(ctx, sc))

	consumer := f.instance(t, "run-1", "deploy")
	sc, _ = f.step(consumer, map[string]string{"name": "dist"})
	require.NoError(t, downloadArtifact(ctx, sc))
	f.sh(t, consumer, "test -f web/dist/app.js")
}

func TestUploadNoFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	iid := f.instance(t, "run-1", "build")

	sc, out := f.step(iid, map[string]string{"name": "x", "path": "missing"})
	require.NoError(t, uploadArtifact(ctx, sc))
	assert.Contains(t, out.String(), "No files were found")

	sc, _ = f.step(iid, map[string]string{"name": "x", "path": "missing", "if-no-files-found": "error"})
	assert.Error(t, uploadArtifact(ctx, sc))
}

func TestDownloadNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	iid := f.instance(t, "run-1", "diff")

	sc, _ := f.step(iid, map[string]string{"name": "snapshots-2"})
	assert.ErrorIs(t, downloadArtifact(ctx, sc), artifacts.ErrNotFound)

	sc, out := f.step(iid, map[string]string{"name": "snapshots-2", "if-not-found": "warn"})
	require.NoError(t, downloadArtifact(ctx, sc))
	assert.Equal(t, "false", sc.Outputs()["found"])
	assert.Contains(t, out.String(), "not found")
}

type baselines struct {
	base *snapshot.Baseline
}

func (b baselines) Baseline(context.Context, string, string, string) (*snapshot.Baseline, error) {
	if b.base == nil {
		return nil, snapshot.ErrNoBaseline
	}
	return b.base, nil
}

func TestSnapshotDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload := func(run, content string) {
		iid := f.instance(t, run, "acceptance")
		f.sh(t, iid, "mkdir -p snapshots && printf '"+content+"' > snapshots/home.png")
		sc, _ := f.step(iid, map[string]string{"name": "snapshots-0", "path": "snapshots"})
		require.NoError(t, uploadArtifact(ctx, sc))
	}
	upload("base", "v1")
	upload("same", "v1")
	upload("changed", "v2")

	f.services.Baselines = baselines{base: &snapshot.Baseline{
		Run:       "base",
		Branch:    "main",
		Artifacts: []snapshot.Ref{{Run: "base", Job: "acceptance", Artifact: "snapshots-0"}},
	}}

	iid := f.instance(t, "same", "diff")
	sc, _ := f.step(iid, nil)
	require.NoError(t, snapshotDiff(ctx, sc))
	assert.Equal(t, "passed", sc.Outputs()["verdict"])
	assert.Equal(t, "1", sc.Outputs()["matched"])

	iid = f.instance(t, "changed", "diff")
	sc, out := f.step(iid, nil)
	err := snapshotDiff(ctx, sc)
	require.Error(t, err)
	assert.Equal(t, "failed", sc.Outputs()["verdict"])
	assert.Equal(t, "1", sc.Outputs()["changed"])
	assert.True(t, strings.Contains(out.String(), "home.png"))

	sc, _ = f.step(iid, map[string]string{"fail-on-diff": "false"})
	assert.NoError(t, snapshotDiff(ctx, sc))
}

func TestSnapshotDiffWithoutBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.services.Baselines = baselines{}

	iid := f.instance(t, "run-1", "acceptance")
	f.sh(t, iid, "mkdir -p snapshots && echo x > snapshots/a.png")
	sc, _ := f.step(iid, map[string]string{"name": "snapshots-0", "path": "snapshots"})
	require.NoError(t, uploadArtifact(ctx, sc))

	sc, out := f.step(iid, nil)
	require.NoError(t, snapshotDiff(ctx, sc))
	assert.Equal(t, "1", sc.Outputs()["new"])
	assert.Contains(t, out.String(), "No baseline")
}
