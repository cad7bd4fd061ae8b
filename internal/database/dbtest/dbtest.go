// Package dbtest opens throwaway migrated databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/diffye/ctf-backend/internal/database"
	"github.com/diffye/ctf-backend/internal/pool"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options sizes the test pool. Zero values pick small bounds suited to tests.
type Options struct {
	MinConnections int
	MaxConnections int
	AcquireTimeout time.Duration
	Logger         *zap.Logger
}

// Open creates a migrated SQLite database inside the test's temp directory.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.Options{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "ctf.db"),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return db
}

// NewPool opens a migrated database and wraps it in a pool closed at cleanup.
func NewPool(t testing.TB, options Options) (*pool.Pool, *gorm.DB) {
	t.Helper()
	db := Open(t)
	return Wrap(t, db, options), db
}

// Wrap puts an already migrated database behind a pool closed at cleanup.
func Wrap(t testing.TB, db *gorm.DB, options Options) *pool.Pool {
	t.Helper()

	minConns := options.MinConnections
	if minConns == 0 {
		minConns = 1
	}
	maxConns := options.MaxConnections
	if maxConns == 0 {
		maxConns = 4
	}
	timeout := options.AcquireTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	connections, err := pool.New(db, pool.Config{
		MinConnections: minConns,
		MaxConnections: maxConns,
		AcquireTimeout: timeout,
		Logger:         options.Logger,
	})
	if err != nil {
		t.Fatalf("create test pool: %v", err)
	}
	t.Cleanup(func() { _ = connections.Close() })
	return connections
}
