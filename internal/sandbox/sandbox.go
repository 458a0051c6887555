// Package sandbox provisions and drives the per-space execution environment:
// a host workspace directory bind-mounted into a long-lived container. File
// operations act on the host side of the mount; shell commands run inside the
// container via docker exec.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/alcovelabs/alcove/internal/alerrors"
	"github.com/alcovelabs/alcove/internal/ids"
)

// Status tracks the sandbox lifecycle.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

const (
	containerWorkDir = "/workspace"
	managedLabel     = "alcove.managed"
	spaceLabel       = "alcove.space"
	stopGraceSeconds = 5
)

// dockerAPI is the slice of the docker client the sandbox uses. Tests
// substitute a fake.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// FactoryConfig holds host-level sandbox settings shared by all spaces.
type FactoryConfig struct {
	BaseImage        string
	WorkspaceBaseDir string
	MemoryBytes      int64
	NanoCPUs         int64
}

// Factory creates sandboxes against the local docker daemon.
type Factory struct {
	cli dockerAPI
	cfg FactoryConfig
}

// NewFactory connects to the docker daemon from the environment.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Factory{cli: cli, cfg: cfg}, nil
}

// Close closes the underlying docker client.
func (f *Factory) Close() error {
	if f.cli != nil {
		return f.cli.Close()
	}
	return nil
}

// Create provisions the workspace directory and starts the space's container.
// The container idles on sleep and serves docker execs until Destroy. The
// workspace is named by its own opaque id, not the space id.
func (f *Factory) Create(ctx context.Context, spaceID string, networkEnabled bool) (*Sandbox, error) {
	workspaceDir := filepath.Join(f.cfg.WorkspaceBaseDir, ids.NewWorkspaceID())
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, alerrors.System("sandbox.create", spaceID, fmt.Errorf("create workspace dir: %w", err))
	}

	s := &Sandbox{
		cli:          f.cli,
		spaceID:      spaceID,
		workspaceDir: workspaceDir,
		status:       StatusCreating,
	}

	if err := f.ensureImage(ctx); err != nil {
		s.status = StatusError
		return s, alerrors.System("sandbox.create", spaceID, err)
	}

	networkMode := container.NetworkMode("none")
	if networkEnabled {
		networkMode = "bridge"
	}

	resp, err := f.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      f.cfg.BaseImage,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: containerWorkDir,
			Labels: map[string]string{
				managedLabel: "true",
				spaceLabel:   spaceID,
			},
		},
		&container.HostConfig{
			NetworkMode: networkMode,
			SecurityOpt: []string{"no-new-privileges:true"},
			CapDrop:     []string{"ALL"},
			Mounts: []mount.Mount{
				{
					Type:   mount.TypeBind,
					Source: workspaceDir,
					Target: containerWorkDir,
				},
			},
			Resources: container.Resources{
				Memory:   f.cfg.MemoryBytes,
				NanoCPUs: f.cfg.NanoCPUs,
			},
		},
		&network.NetworkingConfig{},
		nil,
		"alcove-"+spaceID,
	)
	if err != nil {
		s.status = StatusError
		return s, alerrors.System("sandbox.create", spaceID, fmt.Errorf("create container: %w", err))
	}
	s.containerID = resp.ID

	if err := f.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.status = StatusError
		return s, alerrors.System("sandbox.create", spaceID, fmt.Errorf("start container: %w", err))
	}

	s.status = StatusReady
	log.Info().
		Str("space_id", spaceID).
		Str("container_id", resp.ID).
		Str("workspace", workspaceDir).
		Bool("network", networkEnabled).
		Msg("Sandbox created")
	return s, nil
}

func (f *Factory) ensureImage(ctx context.Context) error {
	if _, _, err := f.cli.ImageInspectWithRaw(ctx, f.cfg.BaseImage); err == nil {
		return nil
	}
	rc, err := f.cli.ImagePull(ctx, f.cfg.BaseImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", f.cfg.BaseImage, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// Sandbox is one space's execution environment. File primitives touch only
// the host workspace; Exec goes through the container. All methods are safe
// for concurrent use, with at most one Exec in flight at a time.
type Sandbox struct {
	cli          dockerAPI
	spaceID      string
	containerID  string
	workspaceDir string

	mu     sync.Mutex
	status Status
}

// Status returns the current lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// WorkspaceDir returns the host path bind-mounted at /workspace.
func (s *Sandbox) WorkspaceDir() string { return s.workspaceDir }

// ContainerID returns the backing container's id.
func (s *Sandbox) ContainerID() string { return s.containerID }

// Destroy stops and removes the container and deletes the workspace
// directory. It is idempotent; container-level failures are logged and
// swallowed so a half-dead sandbox can still be reaped.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDestroyed
	containerID := s.containerID
	s.mu.Unlock()

	if containerID != "" {
		grace := stopGraceSeconds
		if err := s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
			log.Warn().Err(err).Str("space_id", s.spaceID).Msg("Failed to stop sandbox container")
		}
		if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn().Err(err).Str("space_id", s.spaceID).Msg("Failed to remove sandbox container")
		}
	}

	if err := os.RemoveAll(s.workspaceDir); err != nil {
		return alerrors.System("sandbox.destroy", s.spaceID, fmt.Errorf("remove workspace: %w", err))
	}
	log.Info().Str("space_id", s.spaceID).Msg("Sandbox destroyed")
	return nil
}

func (s *Sandbox) checkUsable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusReady, StatusRunning:
		return nil
	case StatusDestroyed:
		return alerrors.New(alerrors.CategorySystem, "sandbox", s.spaceID, fmt.Errorf("sandbox is destroyed"))
	default:
		return alerrors.New(alerrors.CategorySystem, "sandbox", s.spaceID, fmt.Errorf("sandbox is not ready (status %s)", s.status))
	}
}
