package ports

import (
	"context"
	"io"
	"time"

	"github.com/openclaw/launcher/internal/core/domain"
)

// ContainerRuntime defines the operations against the local container
// runtime. This interface allows us to switch between Docker, Podman, or
// another runtime without changing the business logic, and is what the
// orchestrator and reconciler tests fake out.
//
// Errors: a missing container is reported as domain.ErrNotFound; a
// transport-level failure reaching the runtime as domain.ErrRuntimeUnavailable.
type ContainerRuntime interface {
	// Ping verifies the runtime control channel is reachable.
	Ping(ctx context.Context) error

	// CreateAndStart creates the hardened container described by spec and
	// starts it. It returns the runtime container identifier.
	CreateAndStart(ctx context.Context, spec domain.ContainerSpec) (string, error)

	// Start starts an existing, stopped container.
	Start(ctx context.Context, name string) error

	// Stop stops a container gracefully, forcing after the grace period.
	Stop(ctx context.Context, name string, grace time.Duration) error

	// Remove deletes a container.
	Remove(ctx context.Context, name string, force bool) error

	// Status returns the runtime's status string for a container
	// ("running", "exited", ...).
	Status(ctx context.Context, name string) (string, error)

	// Sample returns one raw CPU/memory reading for a running container.
	Sample(ctx context.Context, name string) (domain.ResourceSample, error)

	// Logs fetches up to tail lines of container output.
	Logs(ctx context.Context, name string, tail int) (string, error)

	// FollowLogs streams container output until the reader is closed.
	FollowLogs(ctx context.Context, name string) (io.ReadCloser, error)

	// Address returns the container's IP address on the named network.
	Address(ctx context.Context, name, network string) (string, error)

	// EnsureNetwork creates the named bridge network if it does not exist.
	EnsureNetwork(ctx context.Context, name, subnet, gateway string) error
}
