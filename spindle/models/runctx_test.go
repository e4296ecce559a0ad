package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunContextPut(t *testing.T) {
	rc := NewRunContext()

	v1, err := rc.Put(InstanceNamespace("acceptance(instance=0)"), "matrix.instance", "0")
	require.NoError(t, err)
	v2, err := rc.Put(StepNamespace("build", "pack"), "outputs.dir", "dist")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)
	assert.Equal(t, uint64(2), rc.Version())

	v, ok := rc.Get("instances.acceptance(instance=0).matrix.instance")
	assert.True(t, ok)
	assert.Equal(t, "0", v)

	v, ok = rc.Get("instances.build.steps.pack.outputs.dir")
	assert.True(t, ok)
	assert.Equal(t, "dist", v)

	_, ok = rc.Get("instances.build.steps.pack.outputs.missing")
	assert.False(t, ok)
}

func TestRunContextIsAppendOnly(t *testing.T) {
	rc := NewRunContext()
	ns := JobNamespace("build")

	_, err := rc.Put(ns, "outputs.dir", "dist")
	require.NoError(t, err)

	_, err = rc.Put(ns, "outputs.dir", "other")
	assert.ErrorIs(t, err, ErrContextKeyExists)

	v, _ := rc.Get("jobs.build.outputs.dir")
	assert.Equal(t, "dist", v)
	assert.Equal(t, uint64(1), rc.Version())
}

func TestRunContextNamespacesDoNotCollide(t *testing.T) {
	rc := NewRunContext()

	// a job and its only instance share a name
	_, err := rc.Put(InstanceNamespace("build"), "result", "success")
	require.NoError(t, err)
	_, err = rc.Put(JobNamespace("build"), "result", "success")
	require.NoError(t, err)
}

func TestRunContextScan(t *testing.T) {
	rc := NewRunContext()
	ns := StepNamespace("build", "pack")
	rc.Put(ns, "outputs.dir", "dist")
	rc.Put(ns, "outputs.size", "10")
	rc.Put(ns, "outcome", "success")

	assert.Equal(t, map[string]string{"dir": "dist", "size": "10"}, rc.Scan(ns, "outputs"))
	assert.Len(t, rc.Scan(ns, ""), 3)
}

func TestRunContextConcurrentWriters(t *testing.T) {
	rc := NewRunContext()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc.Put(InstanceNamespace("job"), string(rune('a'+i)), "x")
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(20), rc.Version())
	entries := rc.Entries()
	require.Len(t, entries, 20)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Version)
	}
}

func TestRestoreRunContext(t *testing.T) {
	rc := NewRunContext()
	rc.Put(JobNamespace("a"), "result", "success")
	rc.Put(JobNamespace("b"), "result", "failure")

	restored := RestoreRunContext(rc.Entries())
	assert.Equal(t, rc.Version(), restored.Version())

	v, ok := restored.Get("jobs.b.result")
	assert.True(t, ok)
	assert.Equal(t, "failure", v)
}
