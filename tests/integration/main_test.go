//go:build integration

// Package integration exercises the fixture registry against real databases.
// PostgreSQL and MongoDB are started once in TestMain; tests that need other
// backends acquire them through the same registry.
package integration

import (
	"context"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"dbharness/internal/fixture"
	"dbharness/internal/storage"
)

const (
	postgresImage = "postgres:16-alpine"
	mongoImage    = "mongo:7"
)

var (
	registry *fixture.Registry

	pgStore    storage.Storage
	pgURL      string
	mongoStore storage.Storage

	testCtx    context.Context
	cancelFunc context.CancelFunc
)

// TestMain starts the shared containers and tears them down afterwards.
func TestMain(m *testing.M) {
	testCtx, cancelFunc = context.WithTimeout(context.Background(), 10*time.Minute)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	registry = fixture.New(fixture.WithLogger(logger), fixture.WithStartupTimeout(2*time.Minute))

	// Start containers in parallel
	ds, err := registry.AcquireAll(testCtx,
		fixture.Request{Image: postgresImage},
		fixture.Request{Image: mongoImage},
	)
	if err != nil {
		log.Printf("Container setup failed: %v", err)
		cleanup()
		os.Exit(1)
	}
	pgURL = ds[0].URL()

	if pgStore, err = storage.Open(testCtx, ds[0].StorageConfig()); err != nil {
		log.Printf("Failed to connect to PostgreSQL: %v", err)
		cleanup()
		os.Exit(1)
	}
	if mongoStore, err = storage.Open(testCtx, ds[1].StorageConfig()); err != nil {
		log.Printf("Failed to connect to MongoDB: %v", err)
		cleanup()
		os.Exit(1)
	}

	log.Println("All containers started successfully")

	code := m.Run()

	cleanup()
	os.Exit(code)
}

// cleanup closes connections and terminates the containers.
func cleanup() {
	log.Println("Cleaning up test resources...")

	for _, s := range []storage.Storage{pgStore, mongoStore} {
		if s != nil {
			if err := s.Close(); err != nil {
				log.Printf("Failed to close storage: %v", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := registry.Close(ctx); err != nil {
		log.Printf("Failed to terminate containers: %v", err)
	}
	cancelFunc()

	log.Println("Cleanup complete")
}

// GetPostgreSQLPool returns the PostgreSQL connection pool for tests.
func GetPostgreSQLPool() *pgxpool.Pool {
	return pgStore.PostgreSQLPool()
}

// GetMongoDatabase returns the MongoDB database for tests.
func GetMongoDatabase() *mongo.Database {
	return mongoStore.MongoDatabase()
}
