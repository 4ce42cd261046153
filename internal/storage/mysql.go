package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers "mysql"
)

// mysqlStorage implements Storage for MySQL and MariaDB
type mysqlStorage struct {
	base
	db *sql.DB
}

// NewMySQL opens a MySQL connection from a go-sql-driver DSN
// (user:pass@tcp(host:port)/db?parseTime=true).
func NewMySQL(ctx context.Context, dsn string) (Storage, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &mysqlStorage{db: db}, nil
}

func (s *mysqlStorage) Type() string {
	return TypeMySQL
}

func (s *mysqlStorage) SQLDB() *sql.DB {
	return s.db
}

func (s *mysqlStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *mysqlStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
