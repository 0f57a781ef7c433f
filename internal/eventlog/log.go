package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
	"github.com/openmined/portal/internal/event"
)

var (
	ErrNotFound      = errors.New("log entry not found")
	ErrClosed        = errors.New("log closed")
	ErrUnknownScheme = errors.New("unknown event log scheme")
	ErrNoGenesis     = errors.New("log has no genesis record")
	ErrNotEmpty      = errors.New("log already has entries")
)

// Log is an ordered, append-only sequence of payloads shared by every peer
// of a session. Position 0 holds the genesis record.
type Log interface {
	// Key identifies the session the log belongs to.
	Key() string
	Len(ctx context.Context) (int, error)
	Get(ctx context.Context, index int) ([]byte, error)
	// Append adds payload at the end of the log and returns its position.
	Append(ctx context.Context, payload []byte) (int, error)
	// Head returns the most recent payload.
	Head(ctx context.Context) ([]byte, error)
	// Notify returns a channel that receives a signal after entries are
	// appended. Signals coalesce; readers should compare Len against the
	// last position they consumed. The channel closes when ctx is done or the
	// log is closed.
	Notify(ctx context.Context) <-chan struct{}
	Close() error
}

// Opener opens the log for session key on the backend described by u.
type Opener func(ctx context.Context, u *url.URL, key string) (Log, error)

var openers = map[string]Opener{
	"mem":    openMem,
	"sqlite": openSqlite,
	"nats":   openNats,
	"redis":  openRedis,
}

// Register makes a log backend available to Open under the given URL scheme.
func Register(scheme string, o Opener) {
	openers[scheme] = o
}

// Open returns the log of session key on the backend at backendURL, e.g.
// "nats://localhost:4222", "redis://localhost:6379/0", "sqlite:///var/lib/portal/log.db"
// or "mem://".
func Open(ctx context.Context, backendURL, key string) (Log, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("parse log url %q: %w", backendURL, err)
	}

	o, ok := openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return o(ctx, u, key)
}

// NewKey returns a fresh session key.
func NewKey() string {
	return uuid.NewString()
}

// Create opens a new session log and writes its genesis record pointing at
// the given blob store address.
func Create(ctx context.Context, backendURL, blobAddr string) (Log, error) {
	key := NewKey()
	l, err := Open(ctx, backendURL, key)
	if err != nil {
		return nil, err
	}

	n, err := l.Len(ctx)
	if err != nil {
		l.Close()
		return nil, err
	}
	if n != 0 {
		l.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotEmpty, key)
	}

	genesis, err := event.EncodeGenesis(blobAddr)
	if err != nil {
		l.Close()
		return nil, err
	}
	if _, err := l.Append(ctx, genesis); err != nil {
		l.Close()
		return nil, fmt.Errorf("append genesis: %w", err)
	}

	slog.Info("event log created", "key", key, "blob", blobAddr)
	return l, nil
}

// Join opens an existing session log and reads its genesis record.
func Join(ctx context.Context, backendURL, key string) (Log, *event.Genesis, error) {
	if _, err := uuid.Parse(key); err != nil {
		return nil, nil, fmt.Errorf("invalid session key %q: %w", key, err)
	}

	l, err := Open(ctx, backendURL, key)
	if err != nil {
		return nil, nil, err
	}

	genesis, err := ReadGenesis(ctx, l)
	if err != nil {
		l.Close()
		return nil, nil, err
	}

	slog.Info("event log joined", "key", key, "blob", genesis.Key)
	return l, genesis, nil
}

// ReadGenesis decodes the record at position 0.
func ReadGenesis(ctx context.Context, l Log) (*event.Genesis, error) {
	data, err := l.Get(ctx, 0)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoGenesis, l.Key())
	} else if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	return event.DecodeGenesis(data)
}
