// Package storage opens live connections to the databases a fixture hands
// out. The registry uses it as its readiness probe and the schema package
// uses it to obtain a *sql.DB.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Type constants for storage backends
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMySQL      = "mysql"
	TypeMongoDB    = "mongodb"
	TypeRedis      = "redis"
)

// Config holds connection configuration
type Config struct {
	// Type specifies the backend: "sqlite", "postgresql", "mysql", "mongodb" or "redis"
	Type string

	// DSN is the driver-native connection string (a URL for every backend
	// except MySQL and SQLite)
	DSN string

	// Database is the logical database name, used by MongoDB
	Database string

	// MaxConns is the maximum connection pool size for PostgreSQL (default: 10)
	MaxConns int
}

// Storage provides a unified interface over one live connection.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Type returns the storage type
	Type() string

	// SQLDB returns a *sql.DB for SQL backends (postgres, mysql, sqlite).
	// Returns nil for MongoDB and Redis.
	SQLDB() *sql.DB

	// PostgreSQLPool returns the pgx pool, or nil if not using PostgreSQL.
	PostgreSQLPool() *pgxpool.Pool

	// MongoDatabase returns the MongoDB database, or nil if not using MongoDB.
	MongoDatabase() *mongo.Database

	// RedisClient returns the Redis client, or nil if not using Redis.
	RedisClient() *redis.Client

	// Ping verifies the server accepts requests.
	Ping(ctx context.Context) error

	// Close releases all resources held by the storage.
	Close() error
}

// Open creates a Storage based on the configuration and verifies the
// connection with a ping. Nothing is left open on failure.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s connection string is required", cfg.Type)
	}
	switch cfg.Type {
	case TypeSQLite:
		return NewSQLite(ctx, cfg.DSN)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg)
	case TypeMySQL:
		return NewMySQL(ctx, cfg.DSN)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg)
	case TypeRedis:
		return NewRedis(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mysql, mongodb, redis)", cfg.Type)
	}
}

// base supplies nil accessors so each backend only overrides what it has.
type base struct{}

func (base) SQLDB() *sql.DB                 { return nil }
func (base) PostgreSQLPool() *pgxpool.Pool  { return nil }
func (base) MongoDatabase() *mongo.Database { return nil }
func (base) RedisClient() *redis.Client     { return nil }
