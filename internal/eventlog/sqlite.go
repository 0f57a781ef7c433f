package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/portal/internal/db"
)

var sqliteMigrations = []string{`
CREATE TABLE IF NOT EXISTS event_log (
    session TEXT NOT NULL,
    position INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at TEXT NOT NULL, -- RFC3339
    PRIMARY KEY (session, position)
)`,
}

// DefaultPollInterval is how often a SqliteLog checks for entries appended
// by other processes sharing the database file.
const DefaultPollInterval = time.Second

// SqliteLog stores the log in a sqlite table. Several processes on one host
// may share the file; appends made elsewhere are picked up by polling.
type SqliteLog struct {
	key    string
	db     *sqlx.DB
	ownsDB bool
	notify *notifier

	lastLen   atomic.Int64
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSqliteLog uses an already open database. The caller keeps ownership of conn.
func NewSqliteLog(ctx context.Context, conn *sqlx.DB, key string, pollInterval time.Duration) (*SqliteLog, error) {
	if err := db.Migrate(ctx, conn, "event_log", sqliteMigrations...); err != nil {
		return nil, fmt.Errorf("initialize event log schema: %w", err)
	}

	l := &SqliteLog{
		key:    key,
		db:     conn,
		notify: newNotifier(),
		stop:   make(chan struct{}),
	}

	n, err := l.Len(ctx)
	if err != nil {
		return nil, err
	}
	l.lastLen.Store(int64(n))

	if pollInterval > 0 {
		l.wg.Add(1)
		go l.poll(pollInterval)
	}
	return l, nil
}

// openSqlite handles sqlite:///path/to/log.db
func openSqlite(ctx context.Context, u *url.URL, key string) (Log, error) {
	path := u.Host + u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite event log needs a path")
	}

	database, err := db.Open(path, db.WithMaxOpenConns(1))
	if err != nil {
		return nil, err
	}

	l, err := NewSqliteLog(ctx, database, key, DefaultPollInterval)
	if err != nil {
		database.Close()
		return nil, err
	}
	l.ownsDB = true
	return l, nil
}

func (l *SqliteLog) Key() string {
	return l.key
}

func (l *SqliteLog) Len(ctx context.Context) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM event_log WHERE session = ?", l.key)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (l *SqliteLog) Get(ctx context.Context, index int) ([]byte, error) {
	var payload []byte
	err := l.db.GetContext(ctx, &payload, "SELECT payload FROM event_log WHERE session = ? AND position = ?", l.key, index)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	} else if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", index, err)
	}
	return payload, nil
}

func (l *SqliteLog) Append(ctx context.Context, payload []byte) (int, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.GetContext(ctx, &next, "SELECT COALESCE(MAX(position) + 1, 0) FROM event_log WHERE session = ?", l.key); err != nil {
		return 0, fmt.Errorf("next position: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO event_log (session, position, payload, created_at) VALUES (?, ?, ?, ?)",
		l.key, next, payload, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	l.lastLen.Store(int64(next + 1))
	l.notify.broadcast()
	return next, nil
}

func (l *SqliteLog) Head(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := l.db.GetContext(ctx, &payload, "SELECT payload FROM event_log WHERE session = ? ORDER BY position DESC LIMIT 1", l.key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: empty log", ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return payload, nil
}

func (l *SqliteLog) Notify(ctx context.Context) <-chan struct{} {
	return l.notify.subscribe(ctx)
}

func (l *SqliteLog) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()
		l.notify.close()
		if l.ownsDB {
			err = l.db.Close()
		}
	})
	return err
}

func (l *SqliteLog) poll(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			n, err := l.Len(context.Background())
			if err != nil {
				slog.Warn("event log poll", "key", l.key, "error", err)
				continue
			}
			if int64(n) > l.lastLen.Swap(int64(n)) {
				l.notify.broadcast()
			}
		}
	}
}

var _ Log = (*SqliteLog)(nil)
