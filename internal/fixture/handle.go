package fixture

import (
	"context"
	"errors"
	"maps"
)

// Handle is a running database owned by a Registry.
type Handle struct {
	// Image is the normalized image reference, e.g. docker.io/library/postgres:16-alpine.
	Image string
	// URL is the generated connection URL.
	URL string
	// Started reports whether the container is up. False for a descriptor
	// taken from DATABASE_URL, where nothing was started.
	Started bool
	// Reuse reports whether the container outlives the process.
	Reuse bool

	Kind        Kind
	Label       string
	Name        string
	ContainerID string

	labels     map[string]string
	descriptor Descriptor
	instance   Instance
}

// Descriptor returns the connection descriptor for this handle.
func (h *Handle) Descriptor() Descriptor {
	return h.descriptor
}

// Labels returns a copy of the container labels.
func (h *Handle) Labels() map[string]string {
	return maps.Clone(h.labels)
}

// ErrNoContainer is returned by Exec when the handle has no container behind
// it (DATABASE_URL override).
var ErrNoContainer = errors.New("no container behind this handle")

// Exec runs cmd inside the container and returns its exit code and output.
func (h *Handle) Exec(ctx context.Context, cmd []string) (int, []byte, error) {
	if h.instance == nil {
		return 0, nil, ErrNoContainer
	}
	return h.instance.Exec(ctx, cmd)
}
