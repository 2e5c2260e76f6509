package provision

import (
	"context"
	"io/fs"

	"github.com/nixlet/nixlet/internal/container"
)

// ExecResult captures the outcome of a command run inside an instance.
type ExecResult struct {
	ExitCode int
	Output   string
}

// InstanceInfo is the platform's description of an existing instance.
// Configure reads hostname and privilege mode from here instead of from
// caller input.
type InstanceInfo struct {
	ID           int
	Hostname     string
	Unprivileged bool
	Running      bool
	Version      string
	Config       map[string]string
}

// Pool describes one storage pool on the host.
type Pool struct {
	Name      string
	Type      string
	FreeBytes uint64
}

// Platform is the opaque container-management host. Implementations are
// expected to be blocking; the workflow suspends only at these calls.
type Platform interface {
	// NextFreeID allocates the next unused instance id.
	NextFreeID(ctx context.Context) (int, error)

	// Create defines a new instance from the base image. The instance is
	// not started.
	Create(ctx context.Context, spec container.Spec, image container.ImageReference) error

	// Start boots a defined instance.
	Start(ctx context.Context, id int) error

	// Ready reports whether the instance's init process is observable.
	Ready(ctx context.Context, id int) (bool, error)

	// Push writes content to a path inside the instance with the given
	// permissions.
	Push(ctx context.Context, id int, content []byte, remotePath string, mode fs.FileMode) error

	// Exec runs a command inside the instance and waits for it.
	Exec(ctx context.Context, id int, command []string) (ExecResult, error)

	// Attach opens an interactive session on the caller's terminal.
	Attach(ctx context.Context, id int) error

	// Describe returns the instance's current configuration.
	Describe(ctx context.Context, id int) (InstanceInfo, error)

	// StoragePools lists the host's storage pools.
	StoragePools(ctx context.Context) ([]Pool, error)
}
