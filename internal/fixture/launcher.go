package fixture

import (
	"context"
	"time"

	"github.com/docker/go-connections/nat"
)

// LaunchSpec is everything a Launcher needs to start one database container.
type LaunchSpec struct {
	Image string
	Kind  Kind
	Port  nat.Port
	Env   map[string]string

	// Labels are applied to the container. Name is set only for reusable
	// containers; Docker generates one otherwise.
	Labels map[string]string
	Name   string
	Reuse  bool

	// StartupTimeout bounds the launcher's own wait strategy.
	StartupTimeout time.Duration
}

// Instance is a started container.
type Instance interface {
	ID() string
	// Endpoint returns the host and mapped port reachable from this process.
	Endpoint(ctx context.Context) (host string, port int, err error)
	// Exec runs a command inside the container and returns its exit code and
	// combined output.
	Exec(ctx context.Context, cmd []string) (int, []byte, error)
	Terminate(ctx context.Context) error
}

// Launcher starts database containers. The registry calls it at most once
// per (image, label).
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}
