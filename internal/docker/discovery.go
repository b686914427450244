// Package docker provides a thin wrapper over the Docker SDK client used by
// the sandboxed Agent Adapter Runtime (§4.6) to run one throwaway container
// per turn instead of spawning a child process directly on the host.
//
// If Docker is not available on the host (socket missing or daemon not
// running), methods return ErrDockerUnavailable so a caller can fall back to
// host execution instead of failing the turn outright.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// ErrDockerUnavailable is returned when the Docker daemon cannot be reached.
var ErrDockerUnavailable = errors.New("docker: daemon unavailable")

// Client wraps the Docker SDK client with the narrow set of operations the
// sandbox needs: create, start, attach, wait, kill, remove.
type Client struct {
	sdk *dockerclient.Client
}

// NewClient creates a Client connected to the socket at socketPath. Use the
// empty string to fall back to the Docker SDK default (DOCKER_HOST env var,
// or /var/run/docker.sock on Linux/macOS).
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	sdk, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return &Client{sdk: sdk}, nil
}

// Ping checks that the Docker daemon is reachable. Call this at startup to
// detect early whether sandboxed execution is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.sdk.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return nil
}

// ContainerSpec describes one throwaway container to run.
type ContainerSpec struct {
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
}

// RunContainer creates and starts a container for spec, returning its id and
// an attach stream carrying its combined stdout/stderr.
func (c *Client) RunContainer(ctx context.Context, spec ContainerSpec) (id string, attach io.ReadCloser, err error) {
	created, err := c.sdk.ContainerCreate(ctx, &dockercontainer.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
	}, nil, nil, nil, "")
	if err != nil {
		return "", nil, fmt.Errorf("%w: create: %s", ErrDockerUnavailable, err)
	}
	id = created.ID

	if err := c.sdk.ContainerStart(ctx, id, dockercontainer.StartOptions{}); err != nil {
		_ = c.RemoveContainer(context.Background(), id)
		return "", nil, fmt.Errorf("%w: start: %s", ErrDockerUnavailable, err)
	}

	resp, err := c.sdk.ContainerAttach(ctx, id, dockercontainer.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = c.RemoveContainer(context.Background(), id)
		return "", nil, fmt.Errorf("%w: attach: %s", ErrDockerUnavailable, err)
	}

	return id, hijackedReadCloser{resp}, nil
}

// hijackedReadCloser adapts the Docker SDK's HijackedResponse (a raw
// connection plus a buffered reader) into an io.ReadCloser.
type hijackedReadCloser struct {
	resp dockertypes.HijackedResponse
}

func (h hijackedReadCloser) Read(p []byte) (int, error) { return h.resp.Reader.Read(p) }
func (h hijackedReadCloser) Close() error                { h.resp.Close(); return nil }

// WaitResult is the outcome of WaitContainer.
type WaitResult struct {
	StatusCode int64
	Err        error
}

// WaitContainer blocks until id stops running.
func (c *Client) WaitContainer(ctx context.Context, id string) WaitResult {
	statusCh, errCh := c.sdk.ContainerWait(ctx, id, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return WaitResult{Err: err}
	case status := <-statusCh:
		return WaitResult{StatusCode: status.StatusCode}
	}
}

// KillContainer sends signal (e.g. "TERM", "KILL") to id.
func (c *Client) KillContainer(ctx context.Context, id, signal string) error {
	return c.sdk.ContainerKill(ctx, id, signal)
}

// RemoveContainer force-removes id, ignoring "already gone" errors.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.sdk.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
	if err != nil && dockerclient.IsErrNotFound(err) {
		return nil
	}
	return err
}

// Close releases the underlying Docker client resources.
func (c *Client) Close() error {
	return c.sdk.Close()
}
