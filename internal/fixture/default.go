package fixture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"dbharness/config"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultConfig   *config.Config
	defaultErr      error
)

// Default returns the process-wide registry built from config.Load. It is
// created on first use; a configuration error is returned to every caller.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			defaultErr = NewConfigurationError("", "failed to load configuration", err)
			return
		}
		defaultConfig = cfg
		defaultRegistry, defaultErr = NewFromConfig(cfg, slog.Default())
	})
	return defaultRegistry, defaultErr
}

// Acquire acquires req from the Default registry. An empty req.Image falls
// back to the configured fixture image, env, label and reuse flag.
func Acquire(ctx context.Context, req Request) (Descriptor, error) {
	r, err := Default()
	if err != nil {
		return Descriptor{}, err
	}
	if req.Image == "" {
		req = DefaultRequest(defaultConfig)
	}
	return r.Acquire(ctx, req)
}

// defaultMetrics registers on prometheus.DefaultRegisterer once, however
// many registries enable metrics.
var defaultMetrics = sync.OnceValue(func() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
})

// NewFromConfig builds a registry from loaded configuration. A non-empty
// DatabaseURL turns the registry into an override that never launches.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Registry, error) {
	base := []Option{
		WithLogger(logger),
		WithStartupTimeout(cfg.Fixture.StartupTimeout),
		WithProbeInterval(cfg.Fixture.ProbeInterval),
	}
	if cfg.Fixture.Metrics {
		base = append(base, WithMetrics(defaultMetrics()))
	}
	if cfg.DatabaseURL != "" {
		d, err := ParseURL(cfg.DatabaseURL)
		if err != nil {
			return nil, NewConfigurationError("", "invalid DATABASE_URL", err)
		}
		base = append(base, WithOverride(d))
	}
	return New(append(base, opts...)...), nil
}

// DefaultRequest is the request described by the fixture section of cfg.
func DefaultRequest(cfg *config.Config) Request {
	return Request{
		Image: cfg.Fixture.Image,
		Env:   cfg.Fixture.Env,
		Reuse: cfg.Fixture.Reuse,
		Label: cfg.Fixture.Label,
	}
}
