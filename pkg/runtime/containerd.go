package runtime

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace isolates the coordinator's build containers from anything
	// else running on the same containerd.
	Namespace = "aurbuild"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// State is a coarse-grained view of a build container's task status.
type State string

const (
	StateCreated State = "CREATED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateExited  State = "EXITED"
	StateUnknown State = "UNKNOWN"
)

// Status is what the orchestrator polls for on each active container.
type Status struct {
	State    State
	ExitCode uint32
}

// CreateOptions describes a build container to create.
type CreateOptions struct {
	// Name is both the containerd container ID and the AUR package name
	// being built.
	Name string
	// Image is the builder image to run.
	Image string
	// Env is the set of environment variables passed to the container
	// (PACKAGE, URL, REPO, PORT).
	Env map[string]string
	// MemoryLimitBytes, if non-nil, caps the container's memory.
	MemoryLimitBytes *int64
	// RepoDir, if non-empty, is bind-mounted read-only at /repo so the
	// build can see sibling packages' already-built artifacts.
	RepoDir string
}

// Runtime wraps a containerd client scoped to the coordinator's
// namespace.
type Runtime struct {
	client *containerd.Client
}

// Connect dials the containerd socket. socketPath defaults to
// DefaultSocketPath when empty.
func Connect(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Runtime{client: client}, nil
}

// Close releases the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// EnsureImage verifies the configured builder image is already present,
// failing fast at startup rather than on the first build.
func (r *Runtime) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = r.ctx(ctx)
	if _, err := r.client.GetImage(ctx, imageRef); err != nil {
		return fmt.Errorf("builder image %s not available: %w", imageRef, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a build container.
func (r *Runtime) CreateContainer(ctx context.Context, opts CreateOptions) (string, error) {
	ctx = r.ctx(ctx)

	image, err := r.client.GetImage(ctx, opts.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", opts.Image, err)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithHostname(opts.Name),
	}

	if opts.MemoryLimitBytes != nil {
		specOpts = append(specOpts, oci.WithMemoryLimit(uint64(*opts.MemoryLimitBytes)))
	}

	if opts.RepoDir != "" {
		specOpts = append(specOpts, oci.WithMounts([]specs.Mount{{
			Source:      opts.RepoDir,
			Destination: "/repo",
			Type:        "bind",
			Options:     []string{"ro", "rbind"},
		}}))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		opts.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(opts.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// StartContainer starts a previously created container's task, capturing
// its stdio to logPath.
func (r *Runtime) StartContainer(ctx context.Context, containerID, logPath string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	var creator cio.Creator
	if logPath != "" {
		creator = cio.LogFile(logPath)
	} else {
		creator = cio.NullIO
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// StopContainer stops a running container's task. A zero timeout sends
// SIGKILL immediately; otherwise SIGTERM is sent and SIGKILL follows only
// if the task hasn't exited by the timeout.
func (r *Runtime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task means nothing to stop
	}

	if timeout <= 0 {
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill task: %w", err)
		}
		return waitExit(ctx, task)
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	select {
	case <-statusC:
		return nil
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
		return waitExit(ctx, task)
	}
}

func waitExit(ctx context.Context, task containerd.Task) error {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	<-statusC
	return nil
}

// DeleteContainer removes a container, its task (if any) and its
// snapshot.
func (r *Runtime) DeleteContainer(ctx context.Context, containerID string) error {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil // already gone
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

// GetContainerStatus reports a container's current task status.
func (r *Runtime) GetContainerStatus(ctx context.Context, containerID string) (Status, error) {
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return Status{}, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return Status{State: StateCreated}, nil
	}

	taskStatus, err := task.Status(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("get task status: %w", err)
	}

	switch taskStatus.Status {
	case containerd.Running:
		return Status{State: StateRunning}, nil
	case containerd.Paused:
		return Status{State: StatePaused}, nil
	case containerd.Stopped:
		return Status{State: StateExited, ExitCode: taskStatus.ExitStatus}, nil
	case containerd.Created:
		return Status{State: StateCreated}, nil
	default:
		return Status{State: StateUnknown}, nil
	}
}

// GetContainerLogs reads back the combined stdout/stderr a build
// container produced, captured at StartContainer time via cio.LogFile.
func GetContainerLogs(logPath string) (string, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", fmt.Errorf("read container log %s: %w", logPath, err)
	}
	return string(data), nil
}
