package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Verdict is the outcome of comparing one snapshot with its baseline.
type Verdict string

const (
	VerdictMatch   Verdict = "match"
	VerdictDiff    Verdict = "diff"
	VerdictNew     Verdict = "new"
	VerdictRemoved Verdict = "removed"
)

var ErrNoBaseline = errors.New("no baseline run")

// Ref points at a snapshot artifact uploaded by a run.
type Ref struct {
	Run      string `json:"run"`
	Job      string `json:"job"`
	Artifact string `json:"artifact"`
	Digest   string `json:"digest"`
}

// Baseline is the run candidates are compared against.
type Baseline struct {
	Run       string `json:"run"`
	Branch    string `json:"branch"`
	Artifacts []Ref  `json:"artifacts"`
}

type Request struct {
	Repo      string    `json:"repo"`
	Run       string    `json:"run"`
	Candidate []Ref     `json:"candidate"`
	Baseline  *Baseline `json:"baseline,omitempty"`
}

type Result struct {
	Name    string  `json:"name"`
	Verdict Verdict `json:"verdict"`
}

type Report struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
	URL     string   `json:"url,omitempty"`
}

// Counts tallies results by verdict.
func (r *Report) Counts() map[Verdict]int {
	c := map[Verdict]int{
		VerdictMatch:   0,
		VerdictDiff:    0,
		VerdictNew:     0,
		VerdictRemoved: 0,
	}
	for _, res := range r.Results {
		c[res.Verdict]++
	}
	return c
}

// Summary renders the counts on one line, e.g. for step logs.
func (r *Report) Summary() string {
	c := r.Counts()
	return fmt.Sprintf("%d matched, %d changed, %d new, %d removed",
		c[VerdictMatch], c[VerdictDiff], c[VerdictNew], c[VerdictRemoved])
}

// Differ compares a run's snapshots with a baseline.
type Differ interface {
	Diff(ctx context.Context, req Request) (*Report, error)
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
}
