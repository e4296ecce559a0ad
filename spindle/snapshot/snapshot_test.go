package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDifferRetries5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}

		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req.Run)

		json.NewEncoder(w).Encode(Report{
			Passed: false,
			Results: []Result{
				{Name: "login.png", Verdict: VerdictDiff},
				{Name: "home.png", Verdict: VerdictMatch},
			},
		})
	}))
	defer srv.Close()

	d := NewHTTPDiffer(srv.URL, time.Second, WithRetryDelay(time.Millisecond))
	report, err := d.Diff(context.Background(), Request{Run: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.False(t, report.Passed)
	assert.Equal(t, "home.png", report.Results[0].Name, "results are sorted")
	assert.Equal(t, 1, report.Counts()[VerdictDiff])
	assert.Equal(t, "1 matched, 1 changed, 0 new, 0 removed", report.Summary())
}

func TestHTTPDifferDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewHTTPDiffer(srv.URL, time.Second, WithRetryDelay(time.Millisecond))
	_, err := d.Diff(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPDifferGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDiffer(srv.URL, time.Second, WithAttempts(2), WithRetryDelay(time.Millisecond))
	_, err := d.Diff(context.Background(), Request{})
	assert.Error(t, err)
}

type memFetcher map[string][]byte

func (m memFetcher) Fetch(_ context.Context, ref Ref) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m[ref.Run+"/"+ref.Artifact])), nil
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestDigestDiffer(t *testing.T) {
	fetcher := memFetcher{
		"base/snapshots-0": tarball(t, map[string]string{
			"snapshots/home.png":  "home",
			"snapshots/login.png": "login",
			"snapshots/old.png":   "old",
		}),
		"cand/snapshots-0": tarball(t, map[string]string{
			"snapshots/home.png":  "home",
			"snapshots/login.png": "login v2",
		}),
		"cand/snapshots-1": tarball(t, map[string]string{
			"snapshots/signup.png": "signup",
		}),
	}
	d := &DigestDiffer{Fetcher: fetcher}

	report, err := d.Diff(context.Background(), Request{
		Candidate: []Ref{
			{Run: "cand", Artifact: "snapshots-0"},
			{Run: "cand", Artifact: "snapshots-1"},
		},
		Baseline: &Baseline{
			Run:       "base",
			Artifacts: []Ref{{Run: "base", Artifact: "snapshots-0"}},
		},
	})
	require.NoError(t, err)

	assert.False(t, report.Passed)
	assert.Equal(t, []Result{
		{Name: "home.png", Verdict: VerdictMatch},
		{Name: "login.png", Verdict: VerdictDiff},
		{Name: "old.png", Verdict: VerdictRemoved},
		{Name: "signup.png", Verdict: VerdictNew},
	}, report.Results)
}

func TestDigestDifferWithoutBaseline(t *testing.T) {
	fetcher := memFetcher{
		"cand/snapshots-0": tarball(t, map[string]string{"snapshots/home.png": "home"}),
	}
	d := &DigestDiffer{Fetcher: fetcher}

	report, err := d.Diff(context.Background(), Request{
		Candidate: []Ref{{Run: "cand", Artifact: "snapshots-0"}},
	})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, []Result{{Name: "home.png", Verdict: VerdictNew}}, report.Results)
}
