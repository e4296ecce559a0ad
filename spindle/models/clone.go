package models

import (
	"fmt"
	"strings"

	"tangled.org/spindle/workflow"
)

type CloneOpts struct {
	Skip       bool
	Depth      int
	Submodules bool
	// host the repository is served from, used when the trigger names
	// the repository without a scheme
	Host string
}

type CloneStep struct {
	name     string
	kind     StepKind
	commands []string
}

func (s CloneStep) Name() string {
	return s.name
}

func (s CloneStep) Commands() []string {
	return s.commands
}

func (s CloneStep) Command() string {
	return strings.Join(s.commands, "\n")
}

func (s CloneStep) Kind() StepKind {
	return s.kind
}

// BuildCloneStep generates git clone commands.
// The caller must ensure the current working directory is set to the desired
// workspace directory before executing these commands.
//
// The generated commands are:
// - git init
// - git remote add origin <url>
// - git fetch --depth=<d> --recurse-submodules=<yes|no> <sha>
// - git checkout FETCH_HEAD
func BuildCloneStep(opts CloneOpts, tr workflow.Trigger, dev bool) CloneStep {
	if opts.Skip {
		return CloneStep{}
	}

	commitSHA, err := extractCommitSHA(tr)
	if err != nil {
		return CloneStep{
			kind:     StepKindSystem,
			name:     "Clone repository into workspace (error)",
			commands: []string{fmt.Sprintf("echo 'Failed to get clone info: %s' && exit 1", err.Error())},
		}
	}

	repoURL := buildRepoURL(tr, opts.Host, dev)
	fetchArgs := buildFetchArgs(opts, commitSHA)

	return CloneStep{
		kind: StepKindSystem,
		name: "Clone repository into workspace",
		commands: []string{
			"git init",
			fmt.Sprintf("git remote add origin %s", repoURL),
			fmt.Sprintf("git fetch %s", strings.Join(fetchArgs, " ")),
			"git checkout FETCH_HEAD",
		},
	}
}

// extractCommitSHA extracts the commit SHA from trigger metadata based on trigger type
func extractCommitSHA(tr workflow.Trigger) (string, error) {
	switch tr.Kind {
	case workflow.TriggerKindPush:
		if tr.Sha == "" {
			return "", fmt.Errorf("push trigger has no commit")
		}
		return tr.Sha, nil

	case workflow.TriggerKindPullRequest:
		if tr.PullRequest == nil {
			return "", fmt.Errorf("pull request trigger metadata is nil")
		}
		if tr.PullRequest.SourceSha != "" {
			return tr.PullRequest.SourceSha, nil
		}
		return tr.Sha, nil

	case workflow.TriggerKindManual:
		// an empty sha fetches the default branch
		return tr.Sha, nil

	default:
		return "", fmt.Errorf("unknown trigger kind: %s", tr.Kind)
	}
}

// buildRepoURL constructs the repository URL from trigger metadata
func buildRepoURL(tr workflow.Trigger, host string, devMode bool) string {
	if tr.Repo == "" {
		return ""
	}

	url := tr.Repo
	if !strings.Contains(url, "://") {
		scheme := "https://"
		if devMode {
			scheme = "http://"
		}
		url = fmt.Sprintf("%s%s/%s", scheme, strings.TrimSuffix(host, "/"), tr.Repo)
	}

	// In dev mode, replace localhost with host.docker.internal for Docker networking
	if devMode && strings.Contains(url, "localhost") {
		url = strings.ReplaceAll(url, "localhost", "host.docker.internal")
	}

	return url
}

// buildFetchArgs constructs the arguments for git fetch based on clone options
func buildFetchArgs(clone CloneOpts, sha string) []string {
	args := []string{}

	// Set fetch depth (default to 1 for shallow clone)
	depth := clone.Depth
	if depth == 0 {
		depth = 1
	}
	args = append(args, fmt.Sprintf("--depth=%d", depth))

	// Add submodules if requested
	if clone.Submodules {
		args = append(args, "--recurse-submodules=yes")
	}

	// Add remote and SHA
	args = append(args, "origin")
	if sha != "" {
		args = append(args, sha)
	}

	return args
}
