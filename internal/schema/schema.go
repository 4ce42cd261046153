// Package schema applies the blog schema (users, posts, comments, tags and
// post_tags) to a fixture database and resets it between tests.
package schema

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	"dbharness/internal/storage"
)

//go:embed migrations
var migrations embed.FS

// Tables lists the schema's tables in creation order.
var Tables = []string{"users", "posts", "comments", "tags", "post_tags"}

// Migrator applies the embedded schema to one SQL database.
type Migrator struct {
	provider *goose.Provider
	dialect  goose.Dialect
}

// Option configures a Migrator.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes goose's per-migration logging through logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds a Migrator for s. MongoDB and Redis have no SQL schema and are
// rejected.
func New(s storage.Storage, opts ...Option) (*Migrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dialect, dir, err := dialectFor(s.Type())
	if err != nil {
		return nil, err
	}
	db := s.SQLDB()
	if db == nil {
		return nil, fmt.Errorf("%s storage has no SQL connection", s.Type())
	}
	fsys, err := fs.Sub(migrations, "migrations/"+dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded %s migrations: %w", dir, err)
	}

	popts := []goose.ProviderOption{goose.WithDisableGlobalRegistry(true)}
	if o.logger != nil {
		popts = append(popts, goose.WithSlog(o.logger))
	}
	p, err := goose.NewProvider(dialect, db, fsys, popts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return &Migrator{provider: p, dialect: dialect}, nil
}

func dialectFor(storageType string) (goose.Dialect, string, error) {
	switch storageType {
	case storage.TypePostgreSQL:
		return goose.DialectPostgres, "postgres", nil
	case storage.TypeMySQL:
		return goose.DialectMySQL, "mysql", nil
	case storage.TypeSQLite:
		return goose.DialectSQLite3, "sqlite", nil
	default:
		return "", "", fmt.Errorf("no SQL schema for %s storage", storageType)
	}
}

// Up applies every pending migration. Applying an up-to-date schema is a
// no-op.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Reset drops the schema and applies it again, leaving empty tables.
func (m *Migrator) Reset(ctx context.Context) error {
	if _, err := m.provider.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return m.Up(ctx)
}

// Version returns the applied schema version, 0 when nothing is applied.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	v, err := m.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Pending reports whether migrations remain to be applied.
func (m *Migrator) Pending(ctx context.Context) (bool, error) {
	ok, err := m.provider.HasPending(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check pending migrations: %w", err)
	}
	return ok, nil
}

// Dialect returns the goose dialect in use.
func (m *Migrator) Dialect() goose.Dialect {
	return m.dialect
}

// Apply opens s's schema and brings it up to date. It is the one-call form
// used by tests.
func Apply(ctx context.Context, s storage.Storage) error {
	m, err := New(s)
	if err != nil {
		return err
	}
	return m.Up(ctx)
}

// ErrNotPostgres is returned by Dump for non-postgres fixtures.
var ErrNotPostgres = errors.New("schema dump requires a postgres fixture")
