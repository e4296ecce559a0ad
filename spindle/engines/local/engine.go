package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/archive"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
)

// Engine runs steps as bash processes on the host, each instance in its
// own workspace directory. It isolates filesystems, not processes.
type Engine struct {
	root    string
	timeout time.Duration
	l       *slog.Logger

	mu         sync.Mutex
	workspaces map[string]string
}

func New(ctx context.Context, root string, timeout time.Duration) (*Engine, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "spindle")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return &Engine{
		root:       root,
		timeout:    timeout,
		l:          log.SubLogger(log.FromContext(ctx), "local"),
		workspaces: make(map[string]string),
	}, nil
}

func (e *Engine) WorkflowTimeout() time.Duration {
	return e.timeout
}

func (e *Engine) SetupWorkflow(ctx context.Context, iid models.InstanceId, env models.Environment) error {
	e.l.Info("setting up workspace", "instance", iid)

	dir, err := os.MkdirTemp(e.root, iid.String()+"-")
	if err != nil {
		return engine.Infra("workspace", err)
	}

	e.mu.Lock()
	e.workspaces[iid.String()] = dir
	e.mu.Unlock()
	return nil
}

func (e *Engine) workspace(iid models.InstanceId) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.workspaces[iid.String()]
	if !ok {
		return "", engine.Infra("workspace", fmt.Errorf("no workspace for %s", iid))
	}
	return dir, nil
}

// Workspace returns the host directory of an instance's workspace.
func (e *Engine) Workspace(iid models.InstanceId) (string, error) {
	return e.workspace(iid)
}

func (e *Engine) RunStep(ctx context.Context, iid models.InstanceId, command models.Command, stdout, stderr io.Writer) error {
	ws, err := e.workspace(iid)
	if err != nil {
		return err
	}

	dir, err := securejoin.SecureJoin(ws, command.WorkingDir)
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}

	outputs, err := os.CreateTemp("", "spindle-output-*")
	if err != nil {
		return engine.Infra("output file", err)
	}
	outputs.Close()
	defer os.Remove(outputs.Name())

	envs := engine.ConstructEnvs(
		map[string]string{"PATH": os.Getenv("PATH")},
		command.Env,
		map[string]string{
			"HOME":              ws,
			"SPINDLE_WORKSPACE": ws,
			"SPINDLE_OUTPUT":    outputs.Name(),
		},
	)

	cmd := exec.CommandContext(ctx, "bash", "-e", "-c", command.Script)
	cmd.Dir = dir
	cmd.Env = envs.Slice()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// kill the whole process group, not just bash
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return engine.Infra("start", err)
	}
	err = cmd.Wait()

	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}

	if ferr := forwardOutputs(outputs.Name(), stdout); ferr != nil {
		e.l.Warn("failed to read step outputs", "instance", iid, "step", command.Name, "err", ferr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &engine.ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

// forwardOutputs turns name=value lines written to $SPINDLE_OUTPUT into
// set-output commands on stdout.
func forwardOutputs(path string, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || name == "" {
			continue
		}
		fmt.Fprintf(stdout, "::set-output name=%s::%s\n", name, value)
	}
	return scanner.Err()
}

func (e *Engine) CopyFrom(ctx context.Context, iid models.InstanceId, path string) (io.ReadCloser, error) {
	ws, err := e.workspace(iid)
	if err != nil {
		return nil, err
	}
	src, err := securejoin.SecureJoin(ws, path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", engine.ErrNoSuchPath, path)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Pack(pw, src))
	}()
	return pr, nil
}

func (e *Engine) CopyTo(ctx context.Context, iid models.InstanceId, path string, content io.Reader) error {
	ws, err := e.workspace(iid)
	if err != nil {
		return err
	}
	dst, err := securejoin.SecureJoin(ws, path)
	if err != nil {
		return err
	}
	_, err = archive.Unpack(content, dst)
	return err
}

func (e *Engine) DestroyWorkflow(ctx context.Context, iid models.InstanceId) error {
	e.mu.Lock()
	dir, ok := e.workspaces[iid.String()]
	delete(e.workspaces, iid.String())
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		e.l.Error("failed to remove workspace", "instance", iid, "error", err)
		return err
	}
	return nil
}
