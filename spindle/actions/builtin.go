package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"tangled.org/spindle/spindle/archive"
	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/cache"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/snapshot"
)

const (
	Checkout         = "actions/checkout@v4"
	Cache            = "actions/cache@v4"
	UploadArtifact   = "actions/upload-artifact@v4"
	DownloadArtifact = "actions/download-artifact@v4"
	SnapshotDiff     = "spindle/snapshot-diff@v1"
)

// Builtins returns a registry holding every built-in action.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(Checkout, ExecutorFunc(checkout))
	r.Register(Cache, ExecutorFunc(restoreCache))
	r.Register(UploadArtifact, ExecutorFunc(uploadArtifact))
	r.Register(DownloadArtifact, ExecutorFunc(downloadArtifact))
	r.Register(SnapshotDiff, ExecutorFunc(snapshotDiff))
	return r
}

func checkout(ctx context.Context, sc *StepContext) error {
	opts := sc.Services.Clone
	if d := sc.Input("fetch-depth", ""); d != "" {
		depth, err := strconv.Atoi(d)
		if err != nil {
			return fmt.Errorf("fetch-depth: %w", err)
		}
		opts.Depth = depth
	}
	if s := sc.Input("submodules", ""); s != "" {
		opts.Submodules = s == "true" || s == "recursive"
	}

	step := models.BuildCloneStep(opts, sc.Trigger, sc.Services.Dev)
	if len(step.Commands()) == 0 {
		return nil
	}
	return sc.Exec(ctx, step.Name(), step.Command())
}

// packPaths tars each path with entries named from the workspace root
// and concatenates the results.
func packPaths(ctx context.Context, sc *StepContext, paths []string) (io.ReadCloser, []string, error) {
	var (
		streams []io.Reader
		closers []io.Closer
		missing []string
	)
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	for _, p := range paths {
		p = path.Clean(p)
		rc, err := sc.Engine.CopyFrom(ctx, sc.Instance, p)
		if errors.Is(err, engine.ErrNoSuchPath) {
			missing = append(missing, p)
			continue
		}
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, rc)

		dir := path.Dir(p)
		prefixed := archive.Prefix(rc, dir)
		closers = append(closers, prefixed)
		streams = append(streams, prefixed)
	}

	if len(streams) == 0 {
		closeAll()
		return nil, missing, nil
	}

	pr, pw := io.Pipe()
	go func() {
		err := archive.Concat(pw, streams...)
		closeAll()
		pw.CloseWithError(err)
	}()
	return pr, missing, nil
}

// cache keys are per runner identity, a cache built on one image is of
// no use on another
func scopeKey(runsOn []string, key string) string {
	scope := strings.Join(runsOn, ",")
	if scope == "" {
		scope = "default"
	}
	return scope + "/" + key
}

func restoreCache(ctx context.Context, sc *StepContext) error {
	if sc.Services.Cache == nil {
		return fmt.Errorf("no cache store configured")
	}

	key := sc.Input("key", "")
	if key == "" {
		return fmt.Errorf("cache: key is required")
	}
	paths := Lines(sc.Input("path", ""))
	if len(paths) == 0 {
		return fmt.Errorf("cache: path is required")
	}

	var prefixes []string
	for _, p := range Lines(sc.Input("restore-keys", "")) {
		prefixes = append(prefixes, scopeKey(sc.RunsOn, p))
	}

	hit, payload, err := sc.Services.Cache.Restore(ctx, scopeKey(sc.RunsOn, key), prefixes)
	switch {
	case errors.Is(err, cache.ErrMiss):
		sc.Printf("Cache not found for key: %s", key)
		sc.SetOutput("cache-hit", "false")

	case err != nil:
		return engine.Infra("cache restore", err)

	default:
		err = sc.Engine.CopyTo(ctx, sc.Instance, ".", payload)
		payload.Close()
		if err != nil {
			return fmt.Errorf("restoring cache: %w", err)
		}

		matched := strings.TrimPrefix(hit.Entry.Key, scopeKey(sc.RunsOn, ""))
		sc.SetOutput("cache-hit", strconv.FormatBool(hit.Exact))
		sc.SetOutput("cache-matched-key", matched)
		if hit.Exact {
			sc.Printf("Cache restored from key: %s (%s)", matched, humanize.Bytes(uint64(hit.Entry.Size)))
			return nil
		}
		sc.Printf("Cache partially restored from key: %s (%s)", matched, humanize.Bytes(uint64(hit.Entry.Size)))
	}

	sc.Post("Save cache "+key, PostOnSuccess, func(ctx context.Context) error {
		payload, missing, err := packPaths(ctx, sc, paths)
		if err != nil {
			return engine.Infra("cache save", err)
		}
		for _, m := range missing {
			sc.Printf("Warning: cache path %s does not exist", m)
		}
		if payload == nil {
			sc.Printf("Nothing to cache")
			return nil
		}
		defer payload.Close()

		e, err := sc.Services.Cache.Save(ctx, scopeKey(sc.RunsOn, key), payload)
		if err != nil {
			return engine.Infra("cache save", err)
		}
		sc.Printf("Cache saved with key: %s (%s)", key, humanize.Bytes(uint64(e.Size)))
		return nil
	})

	return nil
}

func uploadArtifact(ctx context.Context, sc *StepContext) error {
	if sc.Services.Artifacts == nil {
		return fmt.Errorf("no artifact store configured")
	}

	name := sc.Input("name", "artifact")
	paths := Lines(sc.Input("path", ""))
	if len(paths) == 0 {
		return fmt.Errorf("upload-artifact: path is required")
	}

	retention := sc.Services.DefaultRetention
	if d := sc.Input("retention-days", ""); d != "" {
		days, err := strconv.Atoi(d)
		if err != nil || days < 0 {
			return fmt.Errorf("upload-artifact: invalid retention-days %q", d)
		}
		retention = time.Duration(days) * 24 * time.Hour
	}

	payload, missing, err := packPaths(ctx, sc, paths)
	if err != nil {
		return engine.Infra("artifact upload", err)
	}

	if payload == nil {
		msg := fmt.Sprintf("No files were found with the provided path: %s. No artifacts will be uploaded.", strings.Join(missing, ", "))
		switch sc.Input("if-no-files-found", "warn") {
		case "error":
			return errors.New(msg)
		case "ignore":
		default:
			sc.Printf("Warning: %s", msg)
		}
		return nil
	}
	defer payload.Close()

	a, err := sc.Services.Artifacts.Upload(ctx, string(sc.Run), sc.Instance.Name, name, payload, retention)
	if errors.Is(err, artifacts.ErrAlreadyExists) {
		return err
	}
	if err != nil {
		return engine.Infra("artifact upload", err)
	}

	sc.SetOutput("artifact-digest", a.Digest)
	sc.Printf("Uploaded artifact %s (%s)", name, humanize.Bytes(uint64(a.Size)))
	return nil
}

func downloadArtifact(ctx context.Context, sc *StepContext) error {
	if sc.Services.Artifacts == nil {
		return fmt.Errorf("no artifact store configured")
	}

	name := sc.Input("name", "")
	if name == "" {
		return fmt.Errorf("download-artifact: name is required")
	}
	dst := sc.Input("path", ".")
	job := sc.Input("job", "")

	_, payload, err := sc.Services.Artifacts.Download(ctx, string(sc.Run), job, name)
	if errors.Is(err, artifacts.ErrNotFound) {
		sc.SetOutput("found", "false")
		switch sc.Input("if-not-found", "error") {
		case "ignore":
			return nil
		case "warn":
			sc.Printf("Warning: artifact %s not found", name)
			return nil
		}
		return err
	}
	if err != nil {
		return engine.Infra("artifact download", err)
	}
	defer payload.Close()

	if err := sc.Engine.CopyTo(ctx, sc.Instance, dst, payload); err != nil {
		return fmt.Errorf("extracting artifact %s: %w", name, err)
	}

	sc.SetOutput("found", "true")
	sc.Printf("Downloaded artifact %s to %s", name, dst)
	return nil
}

func snapshotDiff(ctx context.Context, sc *StepContext) error {
	if sc.Services.Differ == nil || sc.Services.Artifacts == nil {
		return fmt.Errorf("snapshot diffs are not configured")
	}

	pattern := sc.Input("artifacts", "snapshots*")
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("snapshot-diff: bad artifacts pattern: %w", err)
	}

	all, err := sc.Services.Artifacts.List(ctx, string(sc.Run))
	if err != nil {
		return engine.Infra("artifact list", err)
	}
	var candidate []snapshot.Ref
	for _, a := range all {
		if ok, _ := path.Match(pattern, a.Name); ok {
			candidate = append(candidate, snapshot.Ref{
				Run:      a.Run,
				Job:      a.Job,
				Artifact: a.Name,
				Digest:   a.Digest,
			})
		}
	}
	if len(candidate) == 0 {
		return fmt.Errorf("snapshot-diff: no artifacts match %q", pattern)
	}

	req := snapshot.Request{
		Repo:      sc.Trigger.Repo,
		Run:       string(sc.Run),
		Candidate: candidate,
	}

	branch := sc.Input("baseline-branch", sc.Services.TrunkBranch)
	if sc.Services.Baselines != nil && branch != "" {
		base, err := sc.Services.Baselines.Baseline(ctx, sc.Trigger.Repo, branch, pattern)
		switch {
		case errors.Is(err, snapshot.ErrNoBaseline):
			sc.Printf("No baseline on %s, every snapshot is new", branch)
		case err != nil:
			return engine.Infra("baseline lookup", err)
		default:
			req.Baseline = base
			sc.Printf("Comparing against run %s on %s", base.Run, branch)
		}
	}

	report, err := sc.Services.Differ.Diff(ctx, req)
	if err != nil {
		return engine.Infra("snapshot diff", err)
	}

	var buf bytes.Buffer
	for _, r := range report.Results {
		if r.Verdict != snapshot.VerdictMatch {
			fmt.Fprintf(&buf, "  %-8s %s\n", r.Verdict, r.Name)
		}
	}
	sc.Stdout.Write(buf.Bytes())
	sc.Printf("%s", report.Summary())
	if report.URL != "" {
		sc.Printf("Review: %s", report.URL)
	}

	counts := report.Counts()
	verdict := "passed"
	if !report.Passed {
		verdict = "failed"
	}
	sc.SetOutput("verdict", verdict)
	sc.SetOutput("matched", strconv.Itoa(counts[snapshot.VerdictMatch]))
	sc.SetOutput("changed", strconv.Itoa(counts[snapshot.VerdictDiff]))
	sc.SetOutput("new", strconv.Itoa(counts[snapshot.VerdictNew]))
	sc.SetOutput("removed", strconv.Itoa(counts[snapshot.VerdictRemoved]))

	if !report.Passed && sc.Input("fail-on-diff", "true") == "true" {
		return fmt.Errorf("snapshots differ from baseline: %s", report.Summary())
	}
	return nil
}
