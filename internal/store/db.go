package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"procodus.dev/sensorhub/internal/apperr"
)

// Dialect identifies the SQL backend behind a connection string.
type Dialect string

const (
	// Postgres is the production backend.
	Postgres Dialect = "postgres"
	// SQLite is used for local runs and tests.
	SQLite Dialect = "sqlite"
)

// DBConfig holds the database configuration.
type DBConfig struct {
	Logger *slog.Logger

	// DSN is a postgres URL or key=value string, or a sqlite: / file: path.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ParseDSN detects the dialect of a connection string and returns the
// string the driver expects.
func ParseDSN(dsn string) (Dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "", "", apperr.New(apperr.Configuration, "parse dsn", "database URL cannot be empty")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite:"), nil
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:":
		return SQLite, dsn, nil
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return Postgres, dsn, nil
	default:
		return "", "", apperr.Newf(apperr.Configuration, "parse dsn", "unsupported database URL scheme in %q", redact(dsn))
	}
}

// NewDB opens a pooled connection and verifies it with a ping.
func NewDB(cfg *DBConfig) (*gorm.DB, Dialect, error) {
	if cfg == nil {
		return nil, "", errors.New("database config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, "", errors.New("logger cannot be nil")
	}

	dialect, dsn, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, "", err
	}

	cfg.Logger.Info("connecting to database", "dialect", dialect)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	switch dialect {
	case Postgres:
		dialector = postgres.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Store, "connect", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get database instance: %w", err)
	}

	maxOpen, maxIdle, lifetime := poolSettings(cfg, dialect)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(lifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, "", apperr.Wrap(apperr.Store, "ping", err)
	}

	cfg.Logger.Info("database connection established",
		"dialect", dialect,
		"max_open_conns", maxOpen,
	)

	return db, dialect, nil
}

// poolSettings fills pool defaults. SQLite gets a single connection so
// writers never contend and in-memory databases stay shared.
func poolSettings(cfg *DBConfig, dialect Dialect) (maxOpen, maxIdle int, lifetime time.Duration) {
	maxOpen, maxIdle, lifetime = cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime
	if maxOpen <= 0 {
		maxOpen = 100
	}
	if maxIdle <= 0 {
		maxIdle = 10
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	if dialect == SQLite {
		maxOpen, maxIdle, lifetime = 1, 1, 0
	}
	return maxOpen, maxIdle, lifetime
}

// CloseDB closes the database connection.
func CloseDB(db *gorm.DB, logger *slog.Logger) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	logger.Info("closing database connection")
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	if len(dsn) > 16 {
		return dsn[:16] + "..."
	}
	return dsn
}
