package adapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/agentim/agentim/internal/docker"
	"github.com/agentim/agentim/internal/types"
)

// containerClient is the slice of *docker.Client a DockerSandbox needs.
// Narrowed to an interface so tests can substitute a fake daemon instead of
// requiring a real one.
type containerClient interface {
	RunContainer(ctx context.Context, spec docker.ContainerSpec) (id string, attach io.ReadCloser, err error)
	WaitContainer(ctx context.Context, id string) docker.WaitResult
	KillContainer(ctx context.Context, id, signal string) error
	RemoveContainer(ctx context.Context, id string) error
}

// DockerSandbox runs each turn in a disposable container instead of directly
// on the host, for agent descriptors that opt into containerized execution.
// One container is created and removed per SendMessage call.
type DockerSandbox struct {
	client containerClient
	image  string
	logger *zap.Logger
}

// NewDockerSandbox builds a DockerSandbox against the daemon at socketPath
// (empty for the SDK default), running the given image.
func NewDockerSandbox(socketPath, image string, logger *zap.Logger) (*DockerSandbox, error) {
	client, err := docker.NewClient(socketPath)
	if err != nil {
		return nil, err
	}
	return &DockerSandbox{client: client, image: image, logger: logger}, nil
}

// Run implements Sandbox by creating, starting, and streaming a throwaway
// container's output. Docker multiplexes stdout/stderr onto a single attach
// stream (the container is not allocated a tty); stdcopy demultiplexes it
// back into independent pipes so it composes with SpawnAdapter's
// pump/buffer-cap logic unchanged.
func (s *DockerSandbox) Run(ctx context.Context, cfg SpawnConfig) (io.ReadCloser, io.ReadCloser, func() error, func(), error) {
	env := SafeEnv(cfg.PassEnv, cfg.AdapterEnv)

	id, attach, err := s.client.RunContainer(ctx, docker.ContainerSpec{
		Image:      s.image,
		Cmd:        append([]string{cfg.Command}, cfg.Args...),
		Env:        env,
		WorkingDir: cfg.WorkDir,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("docker sandbox: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		defer attach.Close()
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach)
	}()

	wait := func() error {
		res := s.client.WaitContainer(context.Background(), id)
		removeErr := s.client.RemoveContainer(context.Background(), id)
		if res.Err != nil {
			return res.Err
		}
		if res.StatusCode != 0 {
			return fmt.Errorf("%s: container exited with status %d", cfg.Label, res.StatusCode)
		}
		return removeErr
	}

	kill := func() {
		_ = s.client.KillContainer(context.Background(), id, "TERM")
		go func() {
			t := time.NewTimer(killGrace)
			defer t.Stop()
			<-t.C
			_ = s.client.KillContainer(context.Background(), id, "KILL")
		}()
	}

	return stdoutR, stderrR, wait, kill, nil
}

// AgentSandbox picks a Sandbox for an agent descriptor, or nil for host
// execution, based on its adapter type.
func AgentSandbox(sandboxes map[types.AdapterType]Sandbox, desc types.AgentDescriptor) Sandbox {
	return sandboxes[desc.Type]
}
