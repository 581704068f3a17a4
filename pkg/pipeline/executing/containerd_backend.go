package executing

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/radical-go/pilot/pkg/unit"
)

// DefaultNamespace and DefaultSocketPath mirror the teacher's containerd
// defaults (pkg/runtime/containerd.go).
const (
	DefaultNamespace = "radical-pilot"
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdBackend runs a unit's command inside a containerd-managed
// container instead of a bare os/exec process, adapted directly from
// pkg/runtime/containerd.go's PullImage/CreateContainer/StartContainer/
// StopContainer sequence (including its SIGTERM-then-timeout-then-SIGKILL
// stop path, reused here for spec §4.2-style graceful cancellation). The
// unit's Description.Executable names the image reference; Arguments become
// the in-container command.
type ContainerdBackend struct {
	client    *containerd.Client
	namespace string

	// StopGrace bounds how long a canceled container gets after SIGTERM
	// before SIGKILL.
	StopGrace time.Duration
}

// NewContainerdBackend dials the containerd socket and returns a Backend.
func NewContainerdBackend(socketPath string) (*ContainerdBackend, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("executing: connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdBackend{client: client, namespace: DefaultNamespace, StopGrace: 10 * time.Second}, nil
}

func (b *ContainerdBackend) Close() error { return b.client.Close() }

// Run pulls the unit's image, launches it with the unit's arguments as
// command, waits for exit, and tears the container down.
func (b *ContainerdBackend) Run(ctx context.Context, u *unit.Unit) (int, error) {
	ctx = namespaces.WithNamespace(ctx, b.namespace)

	image, err := b.client.Pull(ctx, u.Description.Executable, containerd.WithPullUnpack)
	if err != nil {
		return -1, fmt.Errorf("executing: pull %s: %w", u.Description.Executable, err)
	}

	var env []string
	for k, v := range u.Description.Environment {
		env = append(env, k+"="+v)
	}

	containerID := "unit-" + u.UID
	container, err := b.client.NewContainer(ctx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(u.Description.Arguments...),
			oci.WithEnv(env),
			oci.WithProcessCwd(u.UnitSandbox),
		),
	)
	if err != nil {
		return -1, fmt.Errorf("executing: create container: %w", err)
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return -1, fmt.Errorf("executing: create task: %w", err)
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("executing: wait task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return -1, fmt.Errorf("executing: start task: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		return int(code), err
	case <-ctx.Done():
		grace := b.StopGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		_ = task.Kill(ctx, syscall.SIGTERM)
		select {
		case status := <-statusC:
			code, _, err := status.Result()
			if err == nil {
				err = ctx.Err()
			}
			return int(code), err
		case <-time.After(grace):
			_ = task.Kill(ctx, syscall.SIGKILL)
			status := <-statusC
			code, _, err := status.Result()
			if err == nil {
				err = ctx.Err()
			}
			return int(code), err
		}
	}
}
