package pool

import (
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrDuplicate is returned when a row violates a uniqueness constraint.
	ErrDuplicate = errors.New("pool: entity already exists")
	// ErrNoResult is returned when a query that expects a row finds none.
	ErrNoResult = errors.New("pool: no results found")
)

// sqliteTransientMarkers are substrings of SQLite errors raised while another writer holds the lock.
var sqliteTransientMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"database is locked",
	"database table is locked",
}

// DBErr maps driver specific errors onto the package sentinels.
func DBErr(rootError error) error {
	if rootError == nil {
		return nil
	}
	if errors.Is(rootError, gorm.ErrRecordNotFound) {
		return ErrNoResult
	}
	if errors.Is(rootError, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}

	var pgErr *pgconn.PgError
	if errors.As(rootError, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrDuplicate
	}

	return rootError
}

// IsTransient reports whether err is worth a single retry: pool exhaustion, broken
// connections, lock contention and the Postgres serialization/connection classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, errUnhealthy) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgErr.Code == pgerrcode.LockNotAvailable ||
			pgErr.Code == pgerrcode.TooManyConnections
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	message := err.Error()
	for _, marker := range sqliteTransientMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
