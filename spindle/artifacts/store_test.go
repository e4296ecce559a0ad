package artifacts

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	dir := t.TempDir()

	db, err := sql.Open("sqlite3", filepath.Join(dir, "spindle.db")+"?_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := NewFSBlobs(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	s, err := New(db, blobs)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := &clock{t: time.Unix(1700000000, 0)}
	s.now = c.now
	return s, c
}

func upload(t *testing.T, s *Store, job, name, payload string) Artifact {
	t.Helper()
	a, err := s.Upload(context.Background(), "run-1", job, name, strings.NewReader(payload), 0)
	require.NoError(t, err)
	return a
}

func read(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestUploadDownload(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	a := upload(t, s, "acceptance(instance=0)", "snapshots-0", "png data")
	assert.Equal(t, int64(8), a.Size)
	assert.True(t, a.Expires.IsZero())

	got, rc, err := s.Download(ctx, "run-1", "acceptance(instance=0)", "snapshots-0")
	require.NoError(t, err)
	assert.Equal(t, a.Digest, got.Digest)
	assert.Equal(t, "png data", read(t, rc))
}

func TestWriteOnce(t *testing.T) {
	s, _ := newStore(t)
	upload(t, s, "build", "dist", "v1")

	_, err := s.Upload(context.Background(), "run-1", "build", "dist", strings.NewReader("v2"), 0)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// another job may use the same name
	upload(t, s, "build-docs", "dist", "docs")

	_, rc, err := s.Download(context.Background(), "run-1", "build", "dist")
	require.NoError(t, err)
	assert.Equal(t, "v1", read(t, rc))
}

func TestDownloadNeverUploaded(t *testing.T) {
	s, _ := newStore(t)
	upload(t, s, "acceptance(instance=0)", "snapshots-0", "x")

	tests := []struct {
		name      string
		job, file string
	}{
		{"producer failed before upload", "acceptance(instance=1)", "snapshots-1"},
		{"wrong name", "", "snapshots-9"},
		{"name typo for a known job", "acceptance(instance=0)", "snapshots-0-typo"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, rc, err := s.Download(context.Background(), "run-1", test.job, test.file)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Nil(t, rc)
		})
	}

	_, _, err := s.Download(context.Background(), "run-2", "", "snapshots-0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadAnyJobPicksEarliest(t *testing.T) {
	s, _ := newStore(t)
	upload(t, s, "b", "report", "from b")
	upload(t, s, "a", "report", "from a")

	a, rc, err := s.Download(context.Background(), "run-1", "", "report")
	require.NoError(t, err)
	assert.Equal(t, "b", a.Job)
	assert.Equal(t, "from b", read(t, rc))
}

func TestExpiryAndPrune(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, err := s.Upload(ctx, "run-1", "build", "short", strings.NewReader("tmp"), time.Minute)
	require.NoError(t, err)
	upload(t, s, "build", "forever", "keep")

	list, err := s.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	c.t = c.t.Add(time.Hour)

	_, _, err = s.Download(ctx, "run-1", "build", "short")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = s.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "forever", list[0].Name)

	n, err := s.Prune(ctx, c.now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the name is free again once pruned
	_, err = s.Upload(ctx, "run-1", "build", "short", strings.NewReader("again"), 0)
	assert.NoError(t, err)
}
