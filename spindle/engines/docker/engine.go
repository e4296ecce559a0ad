package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.org/spindle/log"
	"tangled.org/spindle/spindle/archive"
	"tangled.org/spindle/spindle/engine"
	"tangled.org/spindle/spindle/models"
)

const (
	workspaceDir = "/spindle/workspace"
)

type cleanupFunc func(context.Context) error

type Options struct {
	// Nixery is the registry images are assembled from, e.g. nixery.dev.
	Nixery string
	// Images maps runs-on labels to image references.
	Images          map[string]string
	WorkflowTimeout time.Duration
	Dev             bool
}

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	opts   Options

	mu      sync.Mutex
	images  map[string]string
	cleanup map[string][]cleanupFunc
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if opts.Nixery == "" {
		opts.Nixery = "nixery.dev"
	}

	e := &Engine{
		docker:  dcli,
		l:       log.SubLogger(log.FromContext(ctx), "docker"),
		opts:    opts,
		images:  make(map[string]string),
		cleanup: make(map[string][]cleanupFunc),
	}

	return e, nil
}

func (e *Engine) WorkflowTimeout() time.Duration {
	if e.opts.WorkflowTimeout > 0 {
		return e.opts.WorkflowTimeout
	}
	return 20 * time.Minute
}

// workflowImage picks the image for a runs-on list: the first label that
// is mapped or looks like an image reference wins, otherwise a nixery
// image with the base tools.
func workflowImage(runsOn []string, images map[string]string, nixery string) string {
	for _, label := range runsOn {
		if img, ok := images[label]; ok {
			return img
		}
		if ref, ok := strings.CutPrefix(label, "docker://"); ok {
			return ref
		}
	}

	var packages []string
	for _, label := range runsOn {
		if pkgs, ok := strings.CutPrefix(label, "nix:"); ok {
			packages = append(packages, strings.Split(pkgs, ",")...)
		}
	}
	packages = append(packages, "bash", "git", "coreutils", "gnutar", "gzip")

	return path.Join(append([]string{nixery, "shell"}, packages...)...)
}

func (e *Engine) image(iid models.InstanceId) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	img, ok := e.images[iid.String()]
	if !ok {
		return "", fmt.Errorf("instance %s is not set up", iid)
	}
	return img, nil
}

// SetupWorkflow creates the instance's workspace volume and network and
// pulls its image. These outlive every step and are removed by
// DestroyWorkflow.
func (e *Engine) SetupWorkflow(ctx context.Context, iid models.InstanceId, env models.Environment) error {
	e.l.Info("setting up instance", "instance", iid)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(iid),
		Driver: "local",
	})
	if err != nil {
		return engine.Infra("creating volume", err)
	}
	e.registerCleanup(iid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(iid), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(iid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return engine.Infra("creating network", err)
	}
	e.registerCleanup(iid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(iid))
	})

	img := workflowImage(env.RunsOn, e.opts.Images, e.opts.Nixery)
	reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		e.l.Error("image pull failed", "image", img, "instance", iid, "error", err)
		return engine.Infra("pulling image", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return engine.Infra("pulling image", err)
	}

	e.mu.Lock()
	e.images[iid.String()] = img
	e.mu.Unlock()
	e.registerCleanup(iid, func(context.Context) error {
		e.mu.Lock()
		delete(e.images, iid.String())
		e.mu.Unlock()
		return nil
	})

	return nil
}

// stepScript runs the user script in a child shell, then turns the
// name=value lines it wrote to $SPINDLE_OUTPUT into set-output commands,
// keeping the script's exit status.
const stepScript = `export SPINDLE_OUTPUT="$(mktemp)"
bash -e -c "$SPINDLE_SCRIPT"
status=$?
while IFS='=' read -r name value; do
  [ -n "$name" ] && printf '::set-output name=%s::%s\n' "$name" "$value"
done < "$SPINDLE_OUTPUT"
exit $status`

// workspacePath resolves a workspace-relative path; leading .. elements
// are clamped at the workspace root.
func workspacePath(p string) string {
	return path.Join(workspaceDir, path.Clean("/"+p))
}

func (e *Engine) RunStep(ctx context.Context, iid models.InstanceId, command models.Command, stdout, stderr io.Writer) error {
	img, err := e.image(iid)
	if err != nil {
		return err
	}
	dir := workspacePath(command.WorkingDir)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	envs := engine.ConstructEnvs(command.Env, map[string]string{
		"HOME":              workspaceDir,
		"SPINDLE_WORKSPACE": workspaceDir,
		"SPINDLE_SCRIPT":    command.Script,
	})
	e.l.Debug("envs for step", "step", command.Name, "count", len(envs))

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{"bash", "-c", stepScript},
		WorkingDir: dir,
		Tty:        false,
		Hostname:   "spindle",
		Env:        envs.Slice(),
	}, hostConfig(iid), nil, nil, "")
	if err != nil {
		return engine.Infra("creating container", err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(ctx, networkName(iid), resp.ID, nil)
	if err != nil {
		return engine.Infra("connecting network", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return engine.Infra("starting container", err)
	}
	e.l.Info("started container", "name", resp.ID, "step", command.Name)

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, resp.ID, stdout, stderr)
	}()

	// wait for container completion or cancellation
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:
		// wait for tailing to complete
		if err := <-tailDone; err != nil {
			e.l.Warn("failed to tail container", "container", resp.ID, "error", err)
		}

	case <-ctx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "step", command.Name)
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return ctx.Err()
	}

	if waitErr != nil {
		return engine.Infra("waiting for container", waitErr)
	}

	if state.ExitCode != 0 {
		e.l.Info("step failed", "instance", iid, "step", command.Name, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		exit := &engine.ExitError{Code: state.ExitCode}
		if state.OOMKilled {
			return fmt.Errorf("%w: %w", engine.ErrOOMKilled, exit)
		}
		return exit
	}

	return nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Debug("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, containerID string, stdout, stderr io.Writer) error {
	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	if err != nil && err != io.EOF && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

// helper creates a stopped container with the workspace mounted, for
// copying files in and out.
func (e *Engine) helper(ctx context.Context, iid models.InstanceId) (string, error) {
	img, err := e.image(iid)
	if err != nil {
		return "", err
	}
	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image: img,
		Cmd:   []string{"true"},
	}, hostConfig(iid), nil, nil, "")
	if err != nil {
		return "", engine.Infra("creating helper container", err)
	}
	return resp.ID, nil
}

type helperReader struct {
	io.ReadCloser
	done func()
}

func (r *helperReader) Close() error {
	err := r.ReadCloser.Close()
	r.done()
	return err
}

// CopyFrom streams a tar of path; the daemon names entries relative to
// path's parent.
func (e *Engine) CopyFrom(ctx context.Context, iid models.InstanceId, p string) (io.ReadCloser, error) {
	src := workspacePath(p)
	id, err := e.helper(ctx, iid)
	if err != nil {
		return nil, err
	}
	remove := func() {
		if err := e.DestroyStep(context.WithoutCancel(ctx), id); err != nil {
			e.l.Warn("failed to remove helper container", "container", id, "error", err)
		}
	}

	rc, _, err := e.docker.CopyFromContainer(ctx, id, src)
	if client.IsErrNotFound(err) {
		remove()
		return nil, fmt.Errorf("%w: %s", engine.ErrNoSuchPath, p)
	}
	if err != nil {
		remove()
		return nil, engine.Infra("copying from container", err)
	}
	return &helperReader{ReadCloser: rc, done: remove}, nil
}

// CopyTo extracts a tar stream below path. Parent directories are added
// to the stream, so path need not exist yet.
func (e *Engine) CopyTo(ctx context.Context, iid models.InstanceId, p string, content io.Reader) error {
	dst := workspacePath(p)
	id, err := e.helper(ctx, iid)
	if err != nil {
		return err
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), id)

	rel := strings.TrimPrefix(strings.TrimPrefix(dst, workspaceDir), "/")
	prefixed := archive.Prefix(io.NopCloser(content), rel)
	defer prefixed.Close()

	err = e.docker.CopyToContainer(ctx, id, workspaceDir, prefixed, container.CopyToContainerOptions{})
	if err != nil {
		return engine.Infra("copying to container", err)
	}
	return nil
}

func (e *Engine) DestroyWorkflow(ctx context.Context, iid models.InstanceId) error {
	e.mu.Lock()
	key := iid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.mu.Unlock()

	// network before volume, both may still be in use by a dying step
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to cleanup instance resource", "instance", iid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(iid models.InstanceId, fn cleanupFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := iid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func workspaceVolume(iid models.InstanceId) string {
	return fmt.Sprintf("workspace-%s", iid)
}

func networkName(iid models.InstanceId) string {
	return fmt.Sprintf("instance-network-%s", iid)
}

func hostConfig(iid models.InstanceId) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(iid),
				Target: workspaceDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE", "CAP_CHOWN", "CAP_FOWNER"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
