package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/portal/internal/utils"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

type options struct {
	maxOpenConns int
	busyTimeout  time.Duration
	synchronous  string
}

type Option func(*options)

// WithMaxOpenConns caps the pool. Writers sharing one file should use 1.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

// WithBusyTimeout sets how long a statement waits on a lock held by another connection.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// WithSynchronous sets PRAGMA synchronous (OFF, NORMAL, FULL).
func WithSynchronous(mode string) Option {
	return func(o *options) {
		o.synchronous = strings.ToUpper(mode)
	}
}

// Open connects to the sqlite database at path, creating the file and its
// parent directory when missing. File databases run in WAL mode.
func Open(path string, opts ...Option) (*sqlx.DB, error) {
	o := &options{
		busyTimeout: 5 * time.Second,
		synchronous: "NORMAL",
	}
	for _, opt := range opts {
		opt(o)
	}

	dsn := Memory
	if path != Memory {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		q := url.Values{}
		q.Set("mode", "rwc")
		q.Set("_txlock", "immediate")
		dsn = "file:" + path + "?" + q.Encode()
	}

	conn, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if o.maxOpenConns > 0 {
		conn.SetMaxOpenConns(o.maxOpenConns)
		conn.SetMaxIdleConns(o.maxOpenConns)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
		"PRAGMA synchronous=" + o.synchronous,
		"PRAGMA temp_store=MEMORY",
	}
	if path != Memory {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	slog.Debug("database opened", "driver", driverID, "path", path)
	return conn, nil
}

// Migrate runs the statements of every migration newer than the recorded
// version of component, each migration in its own transaction. Migrations are
// numbered by their index starting at 1, so they may only ever be appended to.
func Migrate(ctx context.Context, conn *sqlx.DB, component string, migrations ...string) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		component TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = conn.GetContext(ctx, &current,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version WHERE component = ?", component)
	if err != nil {
		return fmt.Errorf("read %s schema version: %w", component, err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		if err := migrate(ctx, conn, component, version, migrations[i]); err != nil {
			return fmt.Errorf("%s migration %d: %w", component, version, err)
		}
		slog.Debug("database migrated", "component", component, "version", version)
	}
	return nil
}

func migrate(ctx context.Context, conn *sqlx.DB, component string, version int, stmt string) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (component, version) VALUES (?, ?) ON CONFLICT(component) DO UPDATE SET version = excluded.version",
		component, version)
	if err != nil {
		return err
	}
	return tx.Commit()
}
