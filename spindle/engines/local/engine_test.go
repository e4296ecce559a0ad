package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
)

func setup(t *testing.T) (*Engine, models.InstanceId) {
	t.Helper()
	e, err := New(context.Background(), t.TempDir(), time.Minute)
	require.NoError(t, err)

	iid := models.InstanceId{Run: "run-1", Name: "build"}
	require.NoError(t, e.SetupWorkflow(context.Background(), iid, models.Environment{}))
	t.Cleanup(func() { e.DestroyWorkflow(context.Background(), iid) })
	return e, iid
}

func run(t *testing.T, e *Engine, iid models.InstanceId, cmd models.Command) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := e.RunStep(context.Background(), iid, cmd, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRunStep(t *testing.T) {
	e, iid := setup(t)

	stdout, stderr, err := run(t, e, iid, models.Command{
		Script: "echo hello $WHO; echo oops >&2",
		Env:    map[string]string{"WHO": "spindle"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello spindle\n", stdout)
	assert.Equal(t, "oops\n", stderr)
}

func TestRunStepExitCode(t *testing.T) {
	e, iid := setup(t)

	_, _, err := run(t, e, iid, models.Command{Script: "exit 3"})
	assert.ErrorIs(t, err, engine.ErrWorkflowFailed)
	assert.Equal(t, 3, engine.ExitCode(err))
	assert.False(t, engine.IsInfra(err))
}

func TestRunStepOutputFile(t *testing.T) {
	e, iid := setup(t)

	stdout, _, err := run(t, e, iid, models.Command{
		Script: `echo "dir=dist" >> "$SPINDLE_OUTPUT"`,
	})
	require.NoError(t, err)
	assert.Equal(t, "::set-output name=dir::dist\n", stdout)
}

func TestRunStepCancelled(t *testing.T) {
	e, iid := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := e.RunStep(ctx, iid, models.Command{Script: "sleep 30"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestWorkspaceIsShared(t *testing.T) {
	e, iid := setup(t)

	_, _, err := run(t, e, iid, models.Command{Script: "mkdir -p out && echo built > out/app"})
	require.NoError(t, err)

	stdout, _, err := run(t, e, iid, models.Command{Script: "cat app", WorkingDir: "out"})
	require.NoError(t, err)
	assert.Equal(t, "built\n", stdout)
}

func TestCopyRoundTrip(t *testing.T) {
	e, iid := setup(t)

	_, _, err := run(t, e, iid, models.Command{Script: "mkdir -p snapshots && echo png > snapshots/home.png"})
	require.NoError(t, err)

	rc, err := e.CopyFrom(context.Background(), iid, "snapshots")
	require.NoError(t, err)
	defer rc.Close()

	other := models.InstanceId{Run: "run-1", Name: "diff"}
	require.NoError(t, e.SetupWorkflow(context.Background(), other, models.Environment{}))
	defer e.DestroyWorkflow(context.Background(), other)

	require.NoError(t, e.CopyTo(context.Background(), other, "restored", rc))

	ws, err := e.Workspace(other)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(ws, "restored", "snapshots", "home.png"))
	require.NoError(t, err)
	assert.Equal(t, "png\n", string(got))
}

func TestCopyFromMissing(t *testing.T) {
	e, iid := setup(t)

	_, err := e.CopyFrom(context.Background(), iid, "nope")
	assert.ErrorIs(t, err, engine.ErrNoSuchPath)
}

func TestDestroyRemovesWorkspace(t *testing.T) {
	e, iid := setup(t)
	ws, err := e.Workspace(iid)
	require.NoError(t, err)

	require.NoError(t, e.DestroyWorkflow(context.Background(), iid))
	_, err = os.Stat(ws)
	assert.True(t, os.IsNotExist(err))

	_, _, err = run(t, e, iid, models.Command{Script: "true"})
	assert.True(t, engine.IsInfra(err))
}
