package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"tangled.org/spindle/spindle/blob"
)

// Fetcher opens the tarball behind a snapshot artifact.
type Fetcher interface {
	Fetch(ctx context.Context, ref Ref) (io.ReadCloser, error)
}

type FetcherFunc func(ctx context.Context, ref Ref) (io.ReadCloser, error)

func (f FetcherFunc) Fetch(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	return f(ctx, ref)
}

// DigestDiffer compares snapshots byte for byte: files are matched by
// their path inside the artifact, minus the top directory, and a
// snapshot differs when its digest does. Any diff, new or removed
// snapshot fails the report.
type DigestDiffer struct {
	Fetcher Fetcher
}

func (d *DigestDiffer) Diff(ctx context.Context, req Request) (*Report, error) {
	candidate, err := d.digests(ctx, req.Candidate)
	if err != nil {
		return nil, fmt.Errorf("reading candidate snapshots: %w", err)
	}

	report := &Report{Passed: true}
	if req.Baseline == nil {
		// first run: everything is new, nothing to fail on
		for name := range candidate {
			report.Results = append(report.Results, Result{Name: name, Verdict: VerdictNew})
		}
		sortResults(report.Results)
		return report, nil
	}

	baseline, err := d.digests(ctx, req.Baseline.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("reading baseline snapshots: %w", err)
	}

	for name, digest := range candidate {
		base, ok := baseline[name]
		switch {
		case !ok:
			report.Results = append(report.Results, Result{Name: name, Verdict: VerdictNew})
		case base == digest:
			report.Results = append(report.Results, Result{Name: name, Verdict: VerdictMatch})
		default:
			report.Results = append(report.Results, Result{Name: name, Verdict: VerdictDiff})
		}
	}
	for name := range baseline {
		if _, ok := candidate[name]; !ok {
			report.Results = append(report.Results, Result{Name: name, Verdict: VerdictRemoved})
		}
	}

	sortResults(report.Results)
	for _, r := range report.Results {
		if r.Verdict != VerdictMatch {
			report.Passed = false
		}
	}
	return report, nil
}

func (d *DigestDiffer) digests(ctx context.Context, refs []Ref) (map[string]blob.Digest, error) {
	out := make(map[string]blob.Digest)
	for _, ref := range refs {
		rc, err := d.Fetcher.Fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref.Artifact, err)
		}
		err = digestTar(rc, out)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref.Artifact, err)
		}
	}
	return out, nil
}

func digestTar(r io.Reader, out map[string]blob.Digest) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		d, _, err := blob.SumReader(tr)
		if err != nil {
			return err
		}
		out[snapshotName(hdr.Name)] = d
	}
}

// snapshotName drops the directory an artifact was packed from, so
// snapshots/home.png and snapshots-1/home.png compare equal.
func snapshotName(name string) string {
	name = path.Clean(name)
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}
