package spindle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/spindle/spindle/apierr"
	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/cache"
	"tangled.org/spindle/spindle/config"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/engines/local"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/plan"
	"tangled.org/spindle/spindle/secrets"
	"tangled.org/spindle/workflow"
)

var pushMain = workflow.Trigger{
	Kind: workflow.TriggerKindPush,
	Repo: "acme/web",
	Ref:  "refs/heads/main",
	Sha:  "0123456789abcdef",
}

type testServer struct {
	s   *Spindle
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.Server{QueueSize: 10, Workers: 2},
		Pipelines: config.Pipelines{
			WorkflowTimeout:  time.Minute,
			GracePeriod:      5 * time.Second,
			LogDir:           filepath.Join(dir, "logs"),
			TrunkBranch:      "main",
			NeedsPolicy:      "strict",
			CancelInProgress: true,
			RetryAttempts:    1,
			OutputTail:       20,
		},
		Artifacts: config.Artifacts{DefaultRetention: time.Hour},
	}

	d, err := db.Make(filepath.Join(dir, "spindle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	eng, err := local.New(ctx, filepath.Join(dir, "workspaces"), time.Minute)
	require.NoError(t, err)

	cacheStore, err := cache.NewFSStore(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { cacheStore.Close() })

	blobs, err := artifacts.NewFSBlobs(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	store, err := artifacts.New(d.DB, blobs)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	vault, err := secrets.NewSQLiteManager(d.DB)
	require.NoError(t, err)

	s := New(cfg, Deps{
		DB:        d,
		Engine:    eng,
		Cache:     cacheStore,
		Artifacts: store,
		Differ:    newDiffer(cfg, store, slog.Default()),
		Secrets:   vault,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Start(ctx)
	t.Cleanup(s.Stop)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &testServer{s: s, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) trigger(t *testing.T, trigger workflow.Trigger, files map[string]string) TriggerResponse {
	t.Helper()
	req := TriggerRequest{Trigger: trigger}
	for name, contents := range files {
		req.Workflows = append(req.Workflows, WorkflowFile{Name: name, Contents: contents})
	}
	resp := ts.do(t, http.MethodPost, "/runs", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) status(t *testing.T, id models.RunId) RunStatus {
	t.Helper()
	resp := ts.do(t, http.MethodGet, "/runs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st RunStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (ts *testServer) waitFinished(t *testing.T, id models.RunId) RunStatus {
	t.Helper()
	var st RunStatus
	require.Eventually(t, func() bool {
		st = ts.status(t, id)
		return st.Status.IsFinish()
	}, 30*time.Second, 50*time.Millisecond)
	return st
}

func instanceStates(st RunStatus) map[string]db.Instance {
	out := make(map[string]db.Instance)
	for _, i := range st.Instances {
		out[i.Id] = i
	}
	return out
}

func TestTriggerRunsToCompletion(t *testing.T) {
	ts := newTestServer(t)

	out := ts.trigger(t, pushMain, map[string]string{
		"ci.yml": `
on: push
jobs:
  build:
    steps:
      - run: echo building
  test:
    needs: build
    strategy:
      matrix:
        shard: [1, 2]
    steps:
      - run: echo "shard ${{ matrix.shard }}"
  broken:
    needs: build
    continue-on-error: true
    steps:
      - name: explode
        run: |
          echo about to fail
          exit 3
`,
	})
	require.Len(t, out.Runs, 1)
	assert.Equal(t, "ci", out.Runs[0].Workflow)
	assert.Equal(t, "ci/refs/heads/main", out.Runs[0].ConcurrencyGroup)

	st := ts.waitFinished(t, out.Runs[0].Id)
	assert.Equal(t, models.StatusKindSuccess, st.Status)

	insts := instanceStates(st)
	require.Len(t, insts, 4)
	for id, inst := range insts {
		if id == "broken" {
			continue
		}
		assert.Equal(t, models.StatusKindSuccess, inst.Status, id)
		assert.False(t, inst.StartedAt.IsZero(), id)
		assert.False(t, inst.FinishedAt.IsZero(), id)
	}

	broken := insts["broken"]
	assert.Equal(t, models.StatusKindFailed, broken.Status)
	assert.Equal(t, "explode", broken.FailedStep)
	assert.Equal(t, 3, broken.ExitCode)
	assert.Contains(t, broken.OutputTail, "about to fail")

	evts, err := ts.s.db.GetEvents(out.Runs[0].Id.String(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, evts)
}

func TestTriggerSkipsUnmatchedWorkflows(t *testing.T) {
	ts := newTestServer(t)

	out := ts.trigger(t, pushMain, map[string]string{
		"release.yml": `
on:
  push:
    tags: ["v*"]
jobs:
  publish:
    steps:
      - run: echo publishing
`,
	})
	assert.Empty(t, out.Runs)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "workflow skipped")
}

func TestTriggerRejects(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		tag    string
	}{
		{
			name:   "no workflows",
			body:   TriggerRequest{Trigger: pushMain},
			status: http.StatusBadRequest,
			tag:    "InvalidRequest",
		},
		{
			name: "no repo",
			body: TriggerRequest{
				Trigger:   workflow.Trigger{Kind: workflow.TriggerKindPush},
				Workflows: []WorkflowFile{{Name: "ci.yml", Contents: "jobs: {}"}},
			},
			status: http.StatusBadRequest,
			tag:    "InvalidRequest",
		},
		{
			name: "unknown dependency",
			body: TriggerRequest{
				Trigger: pushMain,
				Workflows: []WorkflowFile{{Name: "ci.yml", Contents: `
jobs:
  test:
    needs: build
    steps:
      - run: "true"
`}},
			},
			status: http.StatusUnprocessableEntity,
			tag:    "InvalidWorkflow",
		},
		{
			name: "dependency cycle",
			body: TriggerRequest{
				Trigger: pushMain,
				Workflows: []WorkflowFile{{Name: "ci.yml", Contents: `
jobs:
  a:
    needs: b
    steps:
      - run: "true"
  b:
    needs: a
    steps:
      - run: "true"
`}},
			},
			status: http.StatusUnprocessableEntity,
			tag:    "InvalidWorkflow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var e apierr.Error
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
			assert.Equal(t, tt.tag, e.Tag)
		})
	}

	runs, err := ts.s.db.GetRuns("", 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "invalid workflows never create runs")
}

func TestTriggerMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.srv.URL+"/runs", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

const slowWorkflow = `
jobs:
  slow:
    steps:
      - run: sleep 30
  after:
    needs: slow
    steps:
      - run: echo never
`

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)

	out := ts.trigger(t, pushMain, map[string]string{"slow.yml": slowWorkflow})
	require.Len(t, out.Runs, 1)
	id := out.Runs[0].Id

	require.Eventually(t, func() bool {
		return instanceStates(ts.status(t, id))["slow"].Status == models.StatusKindRunning
	}, 10*time.Second, 50*time.Millisecond)

	resp := ts.do(t, http.MethodPost, "/runs/"+id.String()+"/cancel?reason=stop", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	st := ts.waitFinished(t, id)
	assert.Equal(t, models.StatusKindCancelled, st.Status)
	assert.Equal(t, "stop", st.Reason)

	insts := instanceStates(st)
	assert.Equal(t, models.StatusKindCancelled, insts["slow"].Status)
	assert.Equal(t, models.StatusKindCancelled, insts["after"].Status)

	resp = ts.do(t, http.MethodPost, "/runs/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestNewRunSupersedesGroup(t *testing.T) {
	ts := newTestServer(t)

	first := ts.trigger(t, pushMain, map[string]string{"slow.yml": slowWorkflow})
	second := ts.trigger(t, pushMain, map[string]string{"slow.yml": slowWorkflow})
	require.Len(t, first.Runs, 1)
	require.Len(t, second.Runs, 1)

	st := ts.waitFinished(t, first.Runs[0].Id)
	assert.Equal(t, models.StatusKindCancelled, st.Status)
	assert.Equal(t, ReasonSuperseded, st.Reason)

	require.NoError(t, ts.s.Cancel(second.Runs[0].Id, "done"))
	ts.waitFinished(t, second.Runs[0].Id)
}

func TestConcurrentTriggersKeepNewestRun(t *testing.T) {
	ts := newTestServer(t)
	req := TriggerRequest{
		Trigger:   pushMain,
		Workflows: []WorkflowFile{{Name: "slow.yml", Contents: slowWorkflow}},
	}

	const n = 6
	ids := make(chan models.RunId, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := ts.s.Trigger(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			ids <- resp.Runs[0].Id
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var all []models.RunId
	for id := range ids {
		all = append(all, id)
	}
	require.Len(t, all, n)
	slices.Sort(all)
	newest := all[len(all)-1]

	for _, id := range all[:len(all)-1] {
		st := ts.waitFinished(t, id)
		assert.Equal(t, models.StatusKindCancelled, st.Status, id)
		assert.Equal(t, ReasonSuperseded, st.Reason, id)
	}

	require.Eventually(t, func() bool {
		return instanceStates(ts.status(t, newest))["slow"].Status == models.StatusKindRunning
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, models.StatusKindRunning, ts.status(t, newest).Status)

	require.NoError(t, ts.s.Cancel(newest, "done"))
	ts.waitFinished(t, newest)
}

func TestRunWithUnreadableContextFails(t *testing.T) {
	ts := newTestServer(t)

	wf, err := workflow.FromFile("ci.yml", []byte("jobs:\n  a:\n    steps:\n      - run: \"true\"\n"))
	require.NoError(t, err)
	p, err := plan.Build(&wf, pushMain, ts.s.actions)
	require.NoError(t, err)

	a := &activeRun{id: "run-broken", plan: p, trigger: pushMain}
	require.NoError(t, ts.s.db.CreateRun(&db.Run{
		Id:       a.id,
		Repo:     pushMain.Repo,
		Workflow: p.Workflow.Name,
		Ref:      pushMain.Ref,
		Trigger:  pushMain,
	}))
	require.NoError(t, ts.s.db.PutInstance(db.Instance{Run: a.id, Id: "a", Job: "a", Status: models.StatusKindPending}))
	_, err = ts.s.db.Exec(`insert into run_contexts (run, version, snapshot) values (?, 1, ?)`, a.id, []byte("not cbor"))
	require.NoError(t, err)

	require.Error(t, ts.s.execute(context.Background(), a))

	st := ts.status(t, a.id)
	assert.Equal(t, models.StatusKindFailed, st.Status)
	assert.Equal(t, ReasonNoRunContext, st.Reason)
	inst := instanceStates(st)["a"]
	assert.Equal(t, models.StatusKindCancelled, inst.Status)
	assert.Equal(t, ReasonNoRunContext, inst.Reason)
}

func TestConcurrencyGroup(t *testing.T) {
	ts := newTestServer(t)
	no := false

	tests := []struct {
		name        string
		concurrency *workflow.Concurrency
		group       string
		cancel      bool
	}{
		{
			name:   "default",
			group:  "ci/refs/heads/main",
			cancel: true,
		},
		{
			name:        "interpolated",
			concurrency: &workflow.Concurrency{Group: "deploy-${{ github.ref_name }}"},
			group:       "deploy-main",
			cancel:      true,
		},
		{
			name:        "queued",
			concurrency: &workflow.Concurrency{CancelInProgress: &no},
			group:       "ci/refs/heads/main",
			cancel:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := workflow.FromFile("ci.yml", []byte("jobs:\n  a:\n    steps:\n      - run: \"true\"\n"))
			require.NoError(t, err)
			wf.Concurrency = tt.concurrency

			p, err := plan.Build(&wf, pushMain, ts.s.actions)
			require.NoError(t, err)

			group, cancel, err := ts.s.concurrency(p, "run-1")
			require.NoError(t, err)
			assert.Equal(t, tt.group, group)
			assert.Equal(t, tt.cancel, cancel)
		})
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e apierr.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "NotFound", e.Tag)
}

func TestArtifactsAPI(t *testing.T) {
	ts := newTestServer(t)

	out := ts.trigger(t, pushMain, map[string]string{
		"ci.yml": `
jobs:
  build:
    steps:
      - run: mkdir -p dist && echo hello > dist/app.txt
      - uses: actions/upload-artifact@v4
        with:
          name: app
          path: dist
`,
	})
	require.Len(t, out.Runs, 1)
	id := out.Runs[0].Id
	st := ts.waitFinished(t, id)
	require.Equal(t, models.StatusKindSuccess, st.Status)

	resp := ts.do(t, http.MethodGet, "/runs/"+id.String()+"/artifacts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Artifacts []artifacts.Artifact `json:"artifacts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, "app", list.Artifacts[0].Name)
	assert.Equal(t, "build", list.Artifacts[0].Job)

	resp = ts.do(t, http.MethodGet, "/runs/"+id.String()+"/artifacts/app", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.EqualValues(t, list.Artifacts[0].Size, len(payload))

	resp = ts.do(t, http.MethodGet, "/runs/"+id.String()+"/artifacts/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogs(t *testing.T) {
	ts := newTestServer(t)

	out := ts.trigger(t, pushMain, map[string]string{
		"ci.yml": `
jobs:
  build:
    steps:
      - run: echo first line
`,
	})
	id := out.Runs[0].Id
	ts.waitFinished(t, id)

	for _, path := range []string{"/logs/%s/build", "/logs/%s/build?follow=true"} {
		resp := ts.do(t, http.MethodGet, strings.Replace(path, "%s", id.String(), 1), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)

		lines, err := models.ReadLogLines(resp.Body)
		require.NoError(t, err, path)

		var content []string
		for _, l := range lines {
			content = append(content, l.Content)
		}
		assert.Contains(t, content, "first line", path)
	}

	resp := ts.do(t, http.MethodGet, "/logs/"+id.String()+"/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecretsAPI(t *testing.T) {
	ts := newTestServer(t)
	base := "/repos/acme/web/secrets"

	resp := ts.do(t, http.MethodPut, base+"/TOKEN", map[string]string{"value": "hunter2", "created_by": "alice"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, base+"/TOKEN", map[string]string{"value": "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, base+"/not-valid", map[string]string{"value": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "TOKEN")
	assert.NotContains(t, string(body), "hunter2")

	resp = ts.do(t, http.MethodDelete, base+"/TOKEN", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, base+"/TOKEN", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecretsReachSteps(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.s.vault.AddSecret(context.Background(), secrets.UnlockedSecret{
		Key:       "DEPLOY_KEY",
		Value:     "s3cret",
		Repo:      "acme/web",
		CreatedAt: time.Now(),
	}))

	out := ts.trigger(t, pushMain, map[string]string{
		"ci.yml": `
jobs:
  deploy:
    steps:
      - run: test "$KEY" = s3cret
        env:
          KEY: ${{ secrets.DEPLOY_KEY }}
`,
	})
	st := ts.waitFinished(t, out.Runs[0].Id)
	assert.Equal(t, models.StatusKindSuccess, st.Status)
}
