package fixture

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DockerLauncher starts containers with testcontainers-go. Postgres and
// MongoDB use their dedicated modules; MySQL and Redis run as generic
// containers.
type DockerLauncher struct{}

// NewDockerLauncher returns the default Launcher.
func NewDockerLauncher() *DockerLauncher {
	return &DockerLauncher{}
}

// Launch implements Launcher.
func (l *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Instance, error) {
	var (
		c   testcontainers.Container
		err error
	)
	switch spec.Kind {
	case KindPostgres:
		c, err = l.runPostgres(ctx, spec)
	case KindMongoDB:
		c, err = l.runMongoDB(ctx, spec)
	case KindMySQL:
		c, err = l.runGeneric(ctx, spec, wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(spec.StartupTimeout))
	case KindRedis:
		c, err = l.runGeneric(ctx, spec, wait.ForLog("Ready to accept connections").
			WithStartupTimeout(spec.StartupTimeout))
	default:
		return nil, fmt.Errorf("no launcher for backend %q", spec.Kind)
	}
	if err != nil {
		if !spec.Reuse {
			// Handles nil and typed-nil containers.
			_ = testcontainers.TerminateContainer(c)
		}
		return nil, err
	}
	return &containerInstance{c: c, port: spec.Port}, nil
}

func (l *DockerLauncher) runPostgres(ctx context.Context, spec LaunchSpec) (testcontainers.Container, error) {
	c, err := postgres.Run(ctx,
		spec.Image,
		postgres.WithDatabase(spec.Env["POSTGRES_DB"]),
		postgres.WithUsername(spec.Env["POSTGRES_USER"]),
		postgres.WithPassword(spec.Env["POSTGRES_PASSWORD"]),
		testcontainers.WithEnv(spec.Env),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithPollInterval(500*time.Millisecond).
				WithStartupTimeout(spec.StartupTimeout),
		),
		hostConfig(spec),
		customize(spec),
	)
	if err != nil {
		return c, fmt.Errorf("failed to start postgres container: %w", err)
	}
	return c, nil
}

func (l *DockerLauncher) runMongoDB(ctx context.Context, spec LaunchSpec) (testcontainers.Container, error) {
	c, err := mongodb.Run(ctx,
		spec.Image,
		mongodb.WithUsername(spec.Env["MONGO_INITDB_ROOT_USERNAME"]),
		mongodb.WithPassword(spec.Env["MONGO_INITDB_ROOT_PASSWORD"]),
		testcontainers.WithEnv(spec.Env),
		hostConfig(spec),
		customize(spec),
	)
	if err != nil {
		return c, fmt.Errorf("failed to start mongodb container: %w", err)
	}
	return c, nil
}

func (l *DockerLauncher) runGeneric(ctx context.Context, spec LaunchSpec, strategy wait.Strategy) (testcontainers.Container, error) {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        spec.Image,
			ExposedPorts: []string{string(spec.Port)},
			Env:          spec.Env,
			Labels:       spec.Labels,
			Name:         spec.Name,
			WaitingFor:   strategy,
			HostConfigModifier: func(c *container.HostConfig) {
				applyHostConfig(c, spec)
			},
		},
		Started: true,
		Reuse:   spec.Reuse,
	}
	if spec.Kind == KindRedis && spec.Env["REDIS_PASSWORD"] != "" {
		req.Cmd = []string{"redis-server", "--requirepass", spec.Env["REDIS_PASSWORD"]}
	}
	c, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		return c, fmt.Errorf("failed to start %s container: %w", spec.Kind, err)
	}
	return c, nil
}

// customize carries labels, name and reuse into module-based requests.
func customize(spec LaunchSpec) testcontainers.CustomizeRequestOption {
	return testcontainers.CustomizeRequest(testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Labels: spec.Labels,
			Name:   spec.Name,
		},
		Reuse: spec.Reuse,
	})
}

func hostConfig(spec LaunchSpec) testcontainers.CustomizeRequestOption {
	return testcontainers.WithHostConfigModifier(func(c *container.HostConfig) {
		applyHostConfig(c, spec)
	})
}

func applyHostConfig(c *container.HostConfig, spec LaunchSpec) {
	c.RestartPolicy = container.RestartPolicy{Name: "no"}
	// Stopped throwaway containers remove themselves; reusable ones must
	// survive so a later process can attach.
	c.AutoRemove = !spec.Reuse
}

// containerInstance adapts a testcontainers.Container to Instance.
type containerInstance struct {
	c    testcontainers.Container
	port nat.Port
}

func (i *containerInstance) ID() string {
	return i.c.GetContainerID()
}

func (i *containerInstance) Endpoint(ctx context.Context) (string, int, error) {
	host, err := i.c.Host(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get container host: %w", err)
	}
	mapped, err := i.c.MappedPort(ctx, i.port)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get mapped port %s: %w", i.port, err)
	}
	return host, mapped.Int(), nil
}

func (i *containerInstance) Exec(ctx context.Context, cmd []string) (int, []byte, error) {
	code, r, err := i.c.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return code, nil, fmt.Errorf("failed to exec %q: %w", cmd, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return code, out, fmt.Errorf("failed to read exec output: %w", err)
	}
	return code, out, nil
}

func (i *containerInstance) Terminate(ctx context.Context) error {
	return i.c.Terminate(ctx)
}
