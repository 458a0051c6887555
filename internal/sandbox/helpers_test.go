package sandbox

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDockerClient struct {
	imageInspectFn      func(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	imagePullFn         func(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	containerCreateFn   func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	containerStartFn    func(ctx context.Context, id string, opts container.StartOptions) error
	containerStopFn     func(ctx context.Context, id string, opts container.StopOptions) error
	containerRemoveFn   func(ctx context.Context, id string, opts container.RemoveOptions) error
	execCreateFn        func(ctx context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error)
	execAttachFn        func(ctx context.Context, execID string, opts container.ExecAttachOptions) (types.HijackedResponse, error)
	execInspectFn       func(ctx context.Context, execID string) (container.ExecInspect, error)
	stopCalls, rmCalls  int
}

func (f *fakeDockerClient) ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error) {
	if f.imageInspectFn == nil {
		return image.InspectResponse{}, nil, errors.New("unexpected ImageInspectWithRaw call")
	}
	return f.imageInspectFn(ctx, imageID)
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	if f.imagePullFn == nil {
		return nil, errors.New("unexpected ImagePull call")
	}
	return f.imagePullFn(ctx, ref, opts)
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if f.containerCreateFn == nil {
		return container.CreateResponse{}, errors.New("unexpected ContainerCreate call")
	}
	return f.containerCreateFn(ctx, config, hostConfig, networkingConfig, platform, containerName)
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	if f.containerStartFn == nil {
		return errors.New("unexpected ContainerStart call")
	}
	return f.containerStartFn(ctx, id, opts)
}

func (f *fakeDockerClient) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.stopCalls++
	if f.containerStopFn == nil {
		return nil
	}
	return f.containerStopFn(ctx, id, opts)
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.rmCalls++
	if f.containerRemoveFn == nil {
		return nil
	}
	return f.containerRemoveFn(ctx, id, opts)
}

func (f *fakeDockerClient) ContainerExecCreate(ctx context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	if f.execCreateFn == nil {
		return container.ExecCreateResponse{}, errors.New("unexpected ContainerExecCreate call")
	}
	return f.execCreateFn(ctx, id, opts)
}

func (f *fakeDockerClient) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecAttachOptions) (types.HijackedResponse, error) {
	if f.execAttachFn == nil {
		return types.HijackedResponse{}, errors.New("unexpected ContainerExecAttach call")
	}
	return f.execAttachFn(ctx, execID, opts)
}

func (f *fakeDockerClient) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	if f.execInspectFn == nil {
		return container.ExecInspect{}, errors.New("unexpected ContainerExecInspect call")
	}
	return f.execInspectFn(ctx, execID)
}

func (f *fakeDockerClient) Close() error { return nil }

// hijacked wraps one end of a pipe as an exec attachment. The test writes
// multiplexed frames to the server side.
func hijacked(conn net.Conn) types.HijackedResponse {
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}
}

// testSandbox builds a host-only sandbox over a temp workspace.
func testSandbox(dir string, cli dockerAPI) *Sandbox {
	return &Sandbox{
		cli:          cli,
		spaceID:      "spc_test",
		containerID:  "ctr_test",
		workspaceDir: dir,
		status:       StatusReady,
	}
}

// drainAfter closes the connection after the given delay so a blocked reader
// unblocks even if the code under test never closes it.
func drainAfter(conn net.Conn, d time.Duration) {
	go func() {
		time.Sleep(d)
		conn.Close()
	}()
}
