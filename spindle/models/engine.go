package models

import (
	"context"
	"io"
	"time"
)

// Environment describes the isolated environment an instance runs in.
type Environment struct {
	// labels from runs-on, an engine maps them to an image or host
	RunsOn []string
	Env    map[string]string
}

// Command is a shell script run inside an instance's environment.
type Command struct {
	Name       string
	Script     string
	Env        map[string]string
	WorkingDir string // relative to the workspace
}

type Engine interface {
	SetupWorkflow(ctx context.Context, iid InstanceId, env Environment) error
	WorkflowTimeout() time.Duration

	// RunStep returns nil when the command exits zero.
	RunStep(ctx context.Context, iid InstanceId, cmd Command, stdout, stderr io.Writer) error

	// CopyFrom streams a tar of path, relative to the workspace; entries
	// are named relative to path's parent directory.
	CopyFrom(ctx context.Context, iid InstanceId, path string) (io.ReadCloser, error)

	// CopyTo extracts a tar stream below path, relative to the workspace.
	CopyTo(ctx context.Context, iid InstanceId, path string, content io.Reader) error

	DestroyWorkflow(ctx context.Context, iid InstanceId) error
}
