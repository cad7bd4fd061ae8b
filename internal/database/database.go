package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/diffye/ctf-backend/internal/attempts"
	"github.com/diffye/ctf-backend/internal/challenges"
	"github.com/diffye/ctf-backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteBusyTimeoutMs = 5000
)

// Options selects and configures the backing database.
type Options struct {
	Driver string
	// Path is the SQLite file.
	Path string
	// URL is the Postgres connection string.
	URL    string
	Logger *zap.Logger
}

// Open connects to the configured database and brings the schema up to date.
func Open(options Options) (*gorm.DB, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, target, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", options.Driver, err)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", options.Driver), zap.String("target", target))
	return db, nil
}

// Migrate creates the tables and runs the pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&users.User{},
		&challenges.Challenge{},
		&attempts.Attempt{},
		&attempts.Solve{},
		&migrationRecord{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return applyMigrations(db, logger)
}

func dialectorFor(options Options) (gorm.Dialector, string, error) {
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(options.Path) == "" {
			return nil, "", errors.New("database path is required")
		}
		return sqlite.Open(SQLiteDSN(options.Path)), options.Path, nil
	case DriverPostgres:
		if strings.TrimSpace(options.URL) == "" {
			return nil, "", errors.New("database url is required")
		}
		return postgres.New(postgres.Config{DSN: options.URL}), "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

// SQLiteDSN adds the pragmas every connection needs: concurrent writers wait on the
// lock instead of failing, and readers do not block the writer.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		path, separator, sqliteBusyTimeoutMs)
}
