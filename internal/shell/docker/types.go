package docker

import (
	"context"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines a one-shot build container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	WorkingDir string
	Env        map[string]string
	Labels     map[string]string
	Mounts     []Mount
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RemoveOptions configures container removal.
type RemoveOptions struct {
	Force bool
}

// =============================================================================
// Client Interface
// =============================================================================

// Client is the subset of the Docker engine the build runner needs.
type Client interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	// WaitContainer blocks until the container exits and returns its exit code.
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	// ContainerOutput returns the container's demultiplexed stdout and stderr.
	ContainerOutput(ctx context.Context, containerID string) (string, error)
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error

	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Labels applied to every build container.
const (
	LabelManaged    = "deployforge.managed"
	LabelDeployment = "deployforge.deployment"
	LabelStage      = "deployforge.stage"
)
