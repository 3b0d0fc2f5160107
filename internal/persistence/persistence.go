// Package persistence owns database bootstrap for the monitor: connection
// settings, database creation, pool construction, and migration execution.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations

	dbmigrations "github.com/coachpo/spreadwatch/db/migrations"
	"github.com/coachpo/spreadwatch/internal/observability"
)

// Config carries the database coordinates consumed from the environment.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// DSN renders the connection string for the target database.
func (c Config) DSN() string {
	return c.dsn(c.Database)
}

// adminDSN targets the maintenance database, used only to create the target
// database when it does not exist yet.
func (c Config) adminDSN() string {
	return c.dsn("postgres")
}

func (c Config) dsn(database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + database,
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// EnsureDatabase creates the target database when missing. CREATE DATABASE
// cannot run inside a transaction, so this uses a plain admin connection.
func EnsureDatabase(ctx context.Context, cfg Config) error {
	conn, err := pgx.Connect(ctx, cfg.adminDSN())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			observability.Log().Error("close admin connection", observability.F("error", cerr))
		}
	}()

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", cfg.Database).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check database exists: %w", err)
	}
	if exists {
		return nil
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{cfg.Database}.Sanitize())); err != nil {
		return fmt.Errorf("create database %s: %w", cfg.Database, err)
	}
	observability.Log().Info("database created", observability.F("database", cfg.Database))
	return nil
}

// EnsureTables applies the embedded migrations to the target database. It is
// idempotent; an up-to-date schema is not an error.
func EnsureTables(ctx context.Context, cfg Config) error {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Error("close migrations connection", observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			observability.Log().Error("migrations db close", observability.F("error", dbErr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Debug("database schema up-to-date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	observability.Log().Info("database migrations applied")
	return nil
}

// Rollback reverts the most recent migrations, one step at a time.
func Rollback(ctx context.Context, cfg Config, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Error("close migrations connection", observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("migrations source close", observability.F("error", sourceErr))
		}
		if dbErr != nil {
			observability.Log().Error("migrations db close", observability.F("error", dbErr))
		}
	}()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// NewPool connects a pgx pool to the target database and verifies it.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Bootstrap runs the full startup sequence: ensure the database exists, apply
// migrations, and hand back a ready pool.
func Bootstrap(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if err := EnsureDatabase(ctx, cfg); err != nil {
		return nil, err
	}
	if err := EnsureTables(ctx, cfg); err != nil {
		return nil, err
	}
	return NewPool(ctx, cfg)
}
