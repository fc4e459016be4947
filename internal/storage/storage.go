// Package storage persists scheduler jobs through GORM. SQLite (pure Go,
// through glebarez/sqlite) is the zero-config default; PostgreSQL is used
// when several gateway instances share one job table.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the driver.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path        string `json:"path" yaml:"path"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // default "wal"
}

// PostgresConfig holds PostgreSQL connection and pool settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DB is an open database with the job schema migrated.
type DB struct {
	gormDB *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured driver and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg.SQLite, slogger)
	case DriverPostgres:
		db, err = openPostgres(cfg.Postgres, slogger)
	default:
		return nil, fmt.Errorf("storage driver %q is not supported (use sqlite or postgres)", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&jobModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}
	return &DB{gormDB: db, driver: driver, logger: slogger}, nil
}

// Driver returns the driver name.
func (d *DB) Driver() string { return d.driver }

// Jobs returns the job store.
func (d *DB) Jobs() *JobStore {
	return &JobStore{db: d.gormDB, driver: d.driver}
}

// Ping checks the connection for readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// slogAdapter routes GORM's logger.Writer output to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
