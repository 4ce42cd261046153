package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"dbharness/internal/fixture"
	"dbharness/internal/schema"
	"dbharness/internal/storage"
)

// envFlag collects repeated -env KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	pairs := make([]string, 0, len(e))
	for k, v := range e {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (e envFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", s)
	}
	e[k] = v
	return nil
}

// requestFlags binds the fixture request flags, defaulting to configuration.
type requestFlags struct {
	image string
	label string
	kind  string
	reuse bool
	env   envFlag
}

func (a *app) bindRequest(fs *flag.FlagSet, forceReuse bool) *requestFlags {
	rf := &requestFlags{env: envFlag(maps.Clone(a.cfg.Fixture.Env))}
	if rf.env == nil {
		rf.env = envFlag{}
	}
	fs.StringVar(&rf.image, "image", a.cfg.Fixture.Image, "database image")
	fs.StringVar(&rf.label, "label", a.cfg.Fixture.Label, "label partitioning containers of the same image")
	fs.StringVar(&rf.kind, "kind", "", "backend for unrecognized images (postgres, mysql, mongodb, redis)")
	fs.Var(rf.env, "env", "container environment KEY=VALUE (repeatable)")
	if !forceReuse {
		fs.BoolVar(&rf.reuse, "reuse", a.cfg.Fixture.Reuse, "keep the container for later processes")
	} else {
		rf.reuse = true
	}
	return rf
}

func (rf *requestFlags) request() fixture.Request {
	req := fixture.Request{
		Image: rf.image,
		Label: rf.label,
		Reuse: rf.reuse,
		Kind:  fixture.Kind(rf.kind),
	}
	if len(rf.env) > 0 {
		req.Env = map[string]string(rf.env)
	}
	return req
}

// errReaperEnabled is returned by commands whose container must outlive
// the dbharness process.
var errReaperEnabled = errors.New("the testcontainers reaper removes the container when dbharness exits; set TESTCONTAINERS_RYUK_DISABLED=true")

// reuseSupported is replaced in tests.
var reuseSupported = fixture.ReuseSupported

func (a *app) registry() (*fixture.Registry, error) {
	return fixture.NewFromConfig(a.cfg, a.logger)
}

// persistentRegistry builds the registry for commands that print a URL meant
// for later processes.
func (a *app) persistentRegistry(command string) (*fixture.Registry, error) {
	r, err := a.registry()
	if err != nil {
		return nil, err
	}
	if !r.External() && !reuseSupported() {
		return nil, fmt.Errorf("%s: %w", command, errReaperEnabled)
	}
	return r, nil
}

// closeRegistry terminates non-reused containers on the way out.
func (a *app) closeRegistry(r *fixture.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		a.logger.Warn("failed to clean up containers", "error", err)
	}
}

func (a *app) up(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("up", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	rf := a.bindRequest(fs, false)
	withSchema := fs.Bool("schema", false, "apply the blog schema once ready")
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := a.registry()
	if err != nil {
		return err
	}
	defer a.closeRegistry(r)

	h, err := r.AcquireHandle(ctx, rf.request())
	if err != nil {
		return err
	}
	if *withSchema {
		if err := a.applySchema(ctx, h.Descriptor(), false); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.stdout, h.URL)

	if h.Reuse || !h.Started {
		return nil
	}
	a.logger.Info("database running, press Ctrl+C to stop", "container", h.Name, "label", h.Label)
	<-ctx.Done()
	return nil
}

func (a *app) url(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("url", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	// A throwaway container would be gone by the time the URL is used.
	rf := a.bindRequest(fs, true)
	dsn := fs.Bool("dsn", false, "print the driver-native DSN instead of the URL")
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := a.persistentRegistry("url")
	if err != nil {
		return err
	}
	d, err := r.Acquire(ctx, rf.request())
	if err != nil {
		return err
	}
	if *dsn {
		fmt.Fprintln(a.stdout, d.DSN())
	} else {
		fmt.Fprintln(a.stdout, d.URL())
	}
	return nil
}

func (a *app) reset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	rf := a.bindRequest(fs, true)
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := a.persistentRegistry("reset")
	if err != nil {
		return err
	}
	d, err := r.Acquire(ctx, rf.request())
	if err != nil {
		return err
	}
	return a.applySchema(ctx, d, true)
}

func (a *app) applySchema(ctx context.Context, d fixture.Descriptor, reset bool) error {
	s, err := storage.Open(ctx, d.StorageConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Redacted(), err)
	}
	defer s.Close()

	m, err := schema.New(s, schema.WithLogger(a.logger))
	if err != nil {
		return err
	}
	if reset {
		err = m.Reset(ctx)
	} else {
		err = m.Up(ctx)
	}
	if err != nil {
		return err
	}
	v, err := m.Version(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("schema ready", "url", d.Redacted(), "version", v, "reset", reset)
	return nil
}

func (a *app) dumpSchema(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dump-schema", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	rf := a.bindRequest(fs, false)
	output := fs.String("o", "", "write the dump to this file instead of stdout")
	clean := fs.Bool("clean", false, "strip comments and blank lines")
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := a.registry()
	if err != nil {
		return err
	}
	defer a.closeRegistry(r)

	h, err := r.AcquireHandle(ctx, rf.request())
	if err != nil {
		return err
	}
	if err := a.applySchema(ctx, h.Descriptor(), false); err != nil {
		return err
	}
	dump, err := schema.Dump(ctx, h)
	if err != nil {
		return err
	}
	if *clean {
		dump = schema.StripComments(dump)
	}

	if *output == "" {
		_, err = a.stdout.Write(dump)
		return err
	}
	if err := os.WriteFile(*output, dump, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", *output, err)
	}
	a.logger.Info("schema dumped", "file", *output, "bytes", len(dump))
	return nil
}

func (a *app) printConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	if err := parse(fs, args); err != nil {
		return err
	}
	out, err := a.cfg.YAML()
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(out)
	return err
}
