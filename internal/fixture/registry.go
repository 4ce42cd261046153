// Package fixture provides ephemeral database containers for integration
// tests. A Registry starts at most one container per (image, label), blocks
// until it accepts connections and hands out the same Descriptor to every
// caller afterwards.
package fixture

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultStartupTimeout bounds launch plus readiness.
	DefaultStartupTimeout = 2 * time.Minute
	// DefaultProbeInterval is the first backoff step between readiness probes.
	DefaultProbeInterval = 100 * time.Millisecond

	terminateTimeout = 30 * time.Second
)

// Request asks for one database.
type Request struct {
	// Image is a Docker image reference such as "postgres:16-alpine".
	Image string
	// Env overlays the backend's default container environment. Credentials
	// in the descriptor follow it (POSTGRES_USER, MYSQL_DATABASE, ...).
	Env map[string]string
	// Reuse names and keeps the container so later processes attach to it.
	Reuse bool
	// Label partitions handles for the same image. Defaults to DefaultLabel.
	Label string
	// Kind forces the backend for images the registry cannot recognize by
	// repository name.
	Kind Kind
}

// Option configures a Registry.
type Option func(*Registry)

// WithLauncher replaces the testcontainers launcher.
func WithLauncher(l Launcher) Option {
	return func(r *Registry) { r.launcher = l }
}

// WithProbe replaces the storage-based readiness probe.
func WithProbe(p ProbeFunc) Option {
	return func(r *Registry) { r.probe = p }
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics enables metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithStartupTimeout bounds how long a container may take to become ready.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.startupTimeout = d
		}
	}
}

// WithProbeInterval sets the initial delay between readiness probes.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeInterval = d
		}
	}
}

// WithOverride points every request at an externally managed database.
// Nothing is launched. Image tags are still validated, and a request whose
// backend the database cannot serve is rejected.
func WithOverride(d Descriptor) Option {
	return func(r *Registry) {
		r.override = &Handle{
			URL:        d.URL(),
			Kind:       d.Kind,
			Label:      DefaultLabel,
			descriptor: d,
		}
	}
}

// Registry memoizes database containers for a test session.
// It is safe for concurrent use.
type Registry struct {
	launcher       Launcher
	probe          ProbeFunc
	logger         *slog.Logger
	metrics        *Metrics
	startupTimeout time.Duration
	probeInterval  time.Duration
	session        string
	override       *Handle

	mu      sync.Mutex
	entries map[entryKey]*entry
	// stale holds entries a Close gave up waiting for whose slot was taken
	// again in the meantime.
	stale []*entry
}

type entryKey struct {
	image string
	label string
}

// entry is one (image, label) slot. ready is closed once handle or err is set.
type entry struct {
	key    entryKey
	ready  chan struct{}
	env    map[string]string
	reuse  bool
	handle *Handle
	err    error
}

// New creates a Registry. Without options it launches containers through
// Docker and probes readiness with a real driver connection.
func New(opts ...Option) *Registry {
	r := &Registry{
		launcher:       NewDockerLauncher(),
		probe:          StorageProbe,
		logger:         slog.Default(),
		startupTimeout: DefaultStartupTimeout,
		probeInterval:  DefaultProbeInterval,
		session:        uuid.NewString(),
		entries:        make(map[entryKey]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID identifies this registry in container labels.
func (r *Registry) SessionID() string {
	return r.session
}

// Acquire returns a descriptor for a ready database matching req. The first
// call for an (image, label) starts the container and waits for readiness;
// later and concurrent calls get the same descriptor.
func (r *Registry) Acquire(ctx context.Context, req Request) (Descriptor, error) {
	h, err := r.AcquireHandle(ctx, req)
	if err != nil {
		return Descriptor{}, err
	}
	return h.Descriptor(), nil
}

// AcquireHandle is Acquire returning the full handle, e.g. to Exec inside
// the container.
func (r *Registry) AcquireHandle(ctx context.Context, req Request) (*Handle, error) {
	spec, b, label, err := r.resolve(req)
	if err == nil && r.override != nil {
		err = r.checkOverride(spec.Image, b.kind)
	}
	if err != nil {
		r.metrics.failed(ErrorTypeConfiguration)
		return nil, err
	}
	r.metrics.acquired(b.kind)

	if r.override != nil {
		return r.override, nil
	}

	key := entryKey{image: spec.Image, label: label}

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{key: key, ready: make(chan struct{}), env: spec.Env, reuse: spec.Reuse}
		r.entries[key] = e
		r.mu.Unlock()
		return r.startEntry(ctx, e, spec, b, label)
	}
	r.mu.Unlock()

	if !maps.Equal(e.env, spec.Env) {
		r.metrics.failed(ErrorTypeConfiguration)
		return nil, NewConfigurationError(spec.Image,
			fmt.Sprintf("label %q already holds a container with a different environment", label), nil)
	}
	if e.reuse != spec.Reuse {
		r.metrics.failed(ErrorTypeConfiguration)
		return nil, NewConfigurationError(spec.Image,
			fmt.Sprintf("label %q already holds a container with reuse=%t", label, e.reuse), nil)
	}

	select {
	case <-e.ready:
		return e.handle, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle returns the ready handle for req without starting anything. It
// reports false if req was never acquired, is still starting or failed.
func (r *Registry) Handle(req Request) (*Handle, bool) {
	spec, b, label, err := r.resolve(req)
	if err != nil {
		return nil, false
	}
	if r.override != nil {
		return r.override, r.checkOverride(spec.Image, b.kind) == nil
	}

	r.mu.Lock()
	e, ok := r.entries[entryKey{image: spec.Image, label: label}]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.handle, e.err == nil
	default:
		return nil, false
	}
}

// AcquireAll acquires several databases in parallel. Descriptors are
// returned in request order.
func (r *Registry) AcquireAll(ctx context.Context, reqs ...Request) ([]Descriptor, error) {
	out := make([]Descriptor, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			d, err := r.Acquire(gctx, req)
			if err != nil {
				return err
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// External reports whether the registry serves an externally managed
// database instead of launching containers.
func (r *Registry) External() bool {
	return r.override != nil
}

// Close terminates the containers this registry started, except reusable
// ones, which are left for the next process. ctx bounds the wait for
// startups still in flight; those it gives up on stay registered for a
// later Close. Ready containers are terminated even once ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	pending := append(slices.Collect(maps.Values(r.entries)), r.stale...)
	r.entries = make(map[entryKey]*entry)
	r.stale = nil
	r.mu.Unlock()

	var (
		err  error
		left []*entry
	)
	for _, e := range pending {
		if !e.wait(ctx) {
			left = append(left, e)
			continue
		}
		if e.handle == nil || e.handle.Reuse || e.handle.instance == nil {
			continue
		}
		if terr := r.terminate(ctx, e.handle.instance); terr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to terminate %s: %w", e.key.image, terr))
			continue
		}
		r.logger.Info("database container terminated", "image", e.key.image, "label", e.key.label)
	}
	if len(left) == 0 {
		return err
	}

	r.mu.Lock()
	for _, e := range left {
		if _, taken := r.entries[e.key]; taken {
			r.stale = append(r.stale, e)
		} else {
			r.entries[e.key] = e
		}
	}
	r.mu.Unlock()
	return multierr.Append(err, fmt.Errorf("%d container startups still in flight: %w", len(left), ctx.Err()))
}

// wait blocks until e is ready or ctx is done. A ready entry always wins.
func (e *entry) wait(ctx context.Context) bool {
	select {
	case <-e.ready:
		return true
	default:
	}
	select {
	case <-e.ready:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Registry) terminate(ctx context.Context, inst Instance) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	return inst.Terminate(ctx)
}

// checkOverride rejects requests the external database cannot serve. A
// SQLite file stands in for any relational backend.
func (r *Registry) checkOverride(image string, k Kind) error {
	ov := r.override.Kind
	if ov == k || (ov == KindSQLite && (k == KindPostgres || k == KindMySQL)) {
		return nil
	}
	return NewConfigurationError(image,
		fmt.Sprintf("DATABASE_URL points at a %s database, not %s", ov, k), nil)
}

// resolve validates req without touching Docker.
func (r *Registry) resolve(req Request) (LaunchSpec, backend, string, error) {
	named, err := parseImage(req.Image)
	if err != nil {
		return LaunchSpec{}, backend{}, "", NewConfigurationError(req.Image, "invalid image tag", err)
	}
	image := named.String()

	b, err := resolveBackend(named, req.Kind)
	if err != nil {
		return LaunchSpec{}, backend{}, "", NewConfigurationError(image, "unsupported image", err)
	}

	label := req.Label
	if label == "" {
		label = DefaultLabel
	}
	if !validLabel(label) {
		return LaunchSpec{}, backend{}, "", NewConfigurationError(image, fmt.Sprintf("invalid label %q", label), nil)
	}

	env := b.mergeEnv(req.Env)
	spec := LaunchSpec{
		Image:          image,
		Kind:           b.kind,
		Port:           b.port,
		Env:            env,
		Labels:         containerLabels(label, r.session, b.kind, req.Reuse),
		Reuse:          req.Reuse,
		StartupTimeout: r.startupTimeout,
	}
	if req.Reuse {
		spec.Name = reuseName(image, label, env)
	}
	return spec, b, label, nil
}

// startEntry runs the startup for a new entry and publishes the result to
// its waiters. The entry is released even if the launcher or probe panics.
func (r *Registry) startEntry(ctx context.Context, e *entry, spec LaunchSpec, b backend, label string) (*Handle, error) {
	defer func() {
		if e.handle == nil && e.err == nil {
			e.err = NewStartupError(spec.Image, "container startup aborted", nil)
			r.metrics.failed(ErrorTypeStartup)
		}
		close(e.ready)
	}()

	e.handle, e.err = r.start(ctx, spec, b, label)
	if e.err != nil {
		r.metrics.failed(ErrorTypeStartup)
	}
	return e.handle, e.err
}

// start launches the container and waits for readiness. It runs detached
// from the caller's cancellation: other callers may be waiting on the same
// startup, so only the startup timeout stops it.
func (r *Registry) start(ctx context.Context, spec LaunchSpec, b backend, label string) (*Handle, error) {
	ctx = context.WithoutCancel(ctx)
	begin := time.Now()
	deadline := begin.Add(r.startupTimeout)

	if spec.Reuse && !ReuseSupported() {
		r.logger.Warn("reusable container will be removed by the testcontainers reaper when this process exits; set TESTCONTAINERS_RYUK_DISABLED=true to keep it",
			"image", spec.Image,
			"name", spec.Name,
		)
	}

	r.logger.Info("starting database container",
		"image", spec.Image,
		"backend", spec.Kind,
		"label", label,
		"reuse", spec.Reuse,
		"name", spec.Name,
	)

	launchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	inst, err := r.launcher.Launch(launchCtx, spec)
	if err != nil {
		return nil, NewStartupError(spec.Image, "failed to launch container", err)
	}
	if inst == nil {
		return nil, NewStartupError(spec.Image, "launcher returned no container", nil)
	}

	host, port, err := inst.Endpoint(launchCtx)
	if err != nil {
		r.discard(inst, spec)
		return nil, NewStartupError(spec.Image, "failed to resolve container endpoint", err)
	}

	user, password, database := b.credentials(spec.Env)
	d := Descriptor{
		Kind:     spec.Kind,
		Host:     host,
		Port:     port,
		Database: database,
		Username: user,
		Password: password,
		Query:    defaultQuery(spec.Kind),
	}

	budget := max(time.Until(deadline), r.probeInterval)
	attempts, err := waitReady(ctx, r.probe, d, r.probeInterval, budget)
	if err != nil {
		r.discard(inst, spec)
		return nil, NewStartupError(spec.Image,
			fmt.Sprintf("database not ready within %s after %d probes", r.startupTimeout, attempts), err)
	}

	elapsed := time.Since(begin)
	r.metrics.started(spec.Kind, elapsed)
	r.logger.Info("database ready",
		"image", spec.Image,
		"url", d.Redacted(),
		"container_id", shortID(inst.ID()),
		"probes", attempts,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return &Handle{
		Image:       spec.Image,
		URL:         d.URL(),
		Started:     true,
		Reuse:       spec.Reuse,
		Kind:        spec.Kind,
		Label:       label,
		Name:        spec.Name,
		ContainerID: inst.ID(),
		labels:      spec.Labels,
		descriptor:  d,
		instance:    inst,
	}, nil
}

// discard terminates a container that never became usable. Reusable
// containers are kept so the next attempt can inspect or attach to them.
func (r *Registry) discard(inst Instance, spec LaunchSpec) {
	if spec.Reuse {
		return
	}
	if err := r.terminate(context.Background(), inst); err != nil {
		r.logger.Warn("failed to terminate database container", "image", spec.Image, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
