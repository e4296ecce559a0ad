package db

import (
	"context"
	"fmt"
	"path"

	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/snapshot"
)

// how many successful runs are searched for a baseline
const baselineDepth = 20

type ArtifactLister interface {
	List(ctx context.Context, run string) ([]artifacts.Artifact, error)
}

// Baselines finds the latest successful trunk run that uploaded
// snapshot artifacts.
type Baselines struct {
	db        *DB
	artifacts ArtifactLister
}

func NewBaselines(d *DB, a ArtifactLister) *Baselines {
	return &Baselines{db: d, artifacts: a}
}

func (b *Baselines) Baseline(ctx context.Context, repo, branch, pattern string) (*snapshot.Baseline, error) {
	runs, err := b.db.LatestSuccessfulRuns(repo, branch, baselineDepth)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	for _, r := range runs {
		list, err := b.artifacts.List(ctx, string(r.Id))
		if err != nil {
			return nil, fmt.Errorf("listing artifacts of %s: %w", r.Id, err)
		}

		var refs []snapshot.Ref
		for _, a := range list {
			if ok, _ := path.Match(pattern, a.Name); !ok {
				continue
			}
			refs = append(refs, snapshot.Ref{
				Run:      a.Run,
				Job:      a.Job,
				Artifact: a.Name,
				Digest:   a.Digest,
			})
		}

		if len(refs) > 0 {
			return &snapshot.Baseline{Run: string(r.Id), Branch: branch, Artifacts: refs}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s@%s", snapshot.ErrNoBaseline, repo, branch)
}
