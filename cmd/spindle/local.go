package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/actions"
	"tangled.org/spindle/spindle/artifacts"
	"tangled.org/spindle/spindle/cache"
	"tangled.org/spindle/spindle/db"
	"tangled.org/spindle/spindle/engines/local"
	"tangled.org/spindle/spindle/models"
	"tangled.org/spindle/spindle/plan"
	"tangled.org/spindle/spindle/runner"
	"tangled.org/spindle/spindle/scheduler"
	"tangled.org/spindle/spindle/snapshot"
	"tangled.org/spindle/workflow"
)

var triggerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "event",
		Usage: "trigger kind (push, pull_request, manual)",
		Value: workflow.TriggerKindPush,
	},
	&cli.StringFlag{
		Name:  "ref",
		Usage: "git ref the run is for",
		Value: "refs/heads/main",
	},
	&cli.StringFlag{
		Name:  "sha",
		Usage: "commit the run is for",
	},
	&cli.StringFlag{
		Name:  "repo",
		Usage: "repository the run is for",
		Value: "local/repo",
	},
	&cli.StringFlag{
		Name:  "target-branch",
		Usage: "target branch of a pull_request trigger",
		Value: "main",
	},
	&cli.StringSliceFlag{
		Name:  "input",
		Usage: "manual trigger input as key=value",
	},
}

func runCommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.StringSliceFlag{
			Name:  "secret",
			Usage: "secret as KEY=value",
		},
		&cli.StringFlag{
			Name:  "state-dir",
			Usage: "where workspaces, cache, artifacts and logs are kept (default: a temporary directory)",
		},
		&cli.IntFlag{
			Name:  "parallelism",
			Usage: "maximum instances running at once, 0 for no limit",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "timeout of jobs without timeout-minutes",
			Value: 20 * time.Minute,
		},
		&cli.StringFlag{
			Name:  "needs-policy",
			Usage: "default needs-policy (strict or partial)",
			Value: string(workflow.NeedsPolicyStrict),
		},
	}, triggerFlags...)

	return &cli.Command{
		Name:      "run",
		Usage:     "run a workflow file on this machine",
		ArgsUsage: "<workflow file>",
		Flags:     flags,
		Action:    runWorkflow,
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "print the execution order of a workflow",
		ArgsUsage: "<workflow file>",
		Flags:     triggerFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			p, err := loadPlan(cmd, actions.Builtins())
			if err != nil {
				return err
			}
			printPlan(os.Stdout, p)
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check workflow files for errors",
		ArgsUsage: "<workflow file>...",
		Flags:     triggerFlags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return errors.New("no workflow files given")
			}

			var raw workflow.RawPipeline
			for _, name := range cmd.Args().Slice() {
				contents, err := os.ReadFile(name)
				if err != nil {
					return err
				}
				raw = append(raw, workflow.RawWorkflow{Name: name, Contents: contents})
			}

			trigger, err := triggerFromFlags(cmd)
			if err != nil {
				return err
			}
			compiler := workflow.Compiler{Trigger: trigger, Actions: actions.Builtins()}
			compiler.Compile(compiler.Parse(raw))

			for _, w := range compiler.Diagnostics.Warnings {
				fmt.Println(w.String())
			}
			for _, e := range compiler.Diagnostics.Errors {
				fmt.Println(e.String())
			}
			if compiler.Diagnostics.IsErr() {
				return fmt.Errorf("%d error(s) found", len(compiler.Diagnostics.Errors))
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func triggerFromFlags(cmd *cli.Command) (workflow.Trigger, error) {
	inputs, err := parsePairs(cmd.StringSlice("input"))
	if err != nil {
		return workflow.Trigger{}, err
	}

	t := workflow.Trigger{
		Kind:   cmd.String("event"),
		Repo:   cmd.String("repo"),
		Ref:    cmd.String("ref"),
		Sha:    cmd.String("sha"),
		Actor:  os.Getenv("USER"),
		Inputs: inputs,
	}
	if t.Kind == workflow.TriggerKindPullRequest {
		t.PullRequest = &workflow.PullRequest{
			SourceBranch: t.Branch(),
			TargetBranch: cmd.String("target-branch"),
			SourceSha:    t.Sha,
		}
	}
	return t, nil
}

func loadPlan(cmd *cli.Command, reg *actions.Registry) (*plan.Plan, error) {
	if cmd.NArg() != 1 {
		return nil, errors.New("expected exactly one workflow file")
	}
	name := cmd.Args().First()

	contents, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	wf, err := workflow.FromFile(name, contents)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	trigger, err := triggerFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	if !wf.Match(trigger) {
		return nil, fmt.Errorf("%s does not run on %s %s", name, trigger.Kind, trigger.Ref)
	}

	return plan.Build(&wf, trigger, reg)
}

func printPlan(w io.Writer, p *plan.Plan) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tJOB\tNEEDS")
	for _, inst := range p.Instances {
		needs := make([]string, 0, len(inst.Job.Needs))
		for _, n := range inst.Job.Needs {
			needs = append(needs, n.ID())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", inst.ID, inst.Job.ID(), strings.Join(needs, ","))
	}
	tw.Flush()
}

func runWorkflow(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	secrets, err := parsePairs(cmd.StringSlice("secret"))
	if err != nil {
		return err
	}

	stateDir := cmd.String("state-dir")
	if stateDir == "" {
		stateDir, err = os.MkdirTemp("", "spindle-run-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(stateDir)
	}

	d, err := db.Make(filepath.Join(stateDir, "spindle.db"))
	if err != nil {
		return err
	}
	defer d.Close()

	eng, err := local.New(ctx, filepath.Join(stateDir, "workspaces"), cmd.Duration("timeout"))
	if err != nil {
		return err
	}

	cacheStore, err := cache.NewFSStore(filepath.Join(stateDir, "cache"))
	if err != nil {
		return err
	}
	defer cacheStore.Close()

	blobs, err := artifacts.NewFSBlobs(filepath.Join(stateDir, "artifacts"))
	if err != nil {
		return err
	}
	store, err := artifacts.New(d.DB, blobs)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := actions.Builtins()
	p, err := loadPlan(cmd, reg)
	if err != nil {
		return err
	}

	r := &runner.Runner{
		Engine:  eng,
		Actions: reg,
		Services: &actions.Services{
			Cache:     cacheStore,
			Artifacts: store,
			Differ: &snapshot.DigestDiffer{Fetcher: snapshot.FetcherFunc(func(ctx context.Context, ref snapshot.Ref) (io.ReadCloser, error) {
				_, rc, err := store.Download(ctx, ref.Run, ref.Job, ref.Artifact)
				return rc, err
			})},
			Baselines:        db.NewBaselines(d, store),
			Clone:            models.CloneOpts{Skip: true},
			TrunkBranch:      "main",
			DefaultRetention: 24 * time.Hour,
		},
		LogDir:      filepath.Join(stateDir, "logs"),
		Echo:        os.Stdout,
		GracePeriod: runner.DefaultGracePeriod,
		OutputTail:  runner.DefaultOutputTail,
		Logger:      log.SubLogger(l, "runner"),
	}

	sched := scheduler.New(r, scheduler.Options{
		Parallelism:    cmd.Int("parallelism"),
		DefaultTimeout: cmd.Duration("timeout"),
		NeedsPolicy:    workflow.NeedsPolicy(cmd.String("needs-policy")),
	}, log.SubLogger(l, "scheduler"))

	start := time.Now()
	res := sched.Run(ctx, scheduler.Run{
		ID:      models.RunId(fmt.Sprintf("local-%d", start.Unix())),
		Plan:    p,
		Secrets: secrets,
	})

	printVerdict(os.Stdout, res, time.Since(start))
	if res.Status != models.StatusKindSuccess {
		return fmt.Errorf("run %s", res.Status)
	}
	return nil
}

func printVerdict(w io.Writer, res *scheduler.RunResult, took time.Duration) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tSTATUS\tREASON\tTOOK")
	for _, st := range res.Instances {
		reason := st.Reason
		if st.Result != nil && st.Result.Failure != nil {
			reason = st.Result.Failure.Error()
		} else if st.Err != nil && reason == "" {
			reason = st.Err.Error()
		}
		elapsed := "-"
		if !st.Started.IsZero() && !st.Finished.IsZero() {
			elapsed = st.Finished.Sub(st.Started).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.ID, st.Status, reason, elapsed)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nrun %s in %s (started %s)\n", res.Status, took.Round(time.Millisecond), humanize.Time(time.Now().Add(-took)))

	for _, st := range res.Instances {
		if st.Result == nil || st.Result.Failure == nil {
			continue
		}
		fmt.Fprintf(w, "\n--- %s: %s\n", st.ID, st.Result.Failure.Step)
		for _, line := range st.Result.Failure.Tail {
			fmt.Fprintln(w, line)
		}
	}
}
