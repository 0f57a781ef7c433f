package eventlog

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// MemLog is an in-process log. Logs opened with the same key through mem://
// share their entries, which lets a host and its peers run in one process.
type MemLog struct {
	key     string
	entries [][]byte
	mu      sync.RWMutex
	notify  *notifier
}

var (
	memLogs   = make(map[string]*MemLog)
	memLogsMu sync.Mutex
)

func NewMemLog(key string) *MemLog {
	return &MemLog{key: key, notify: newNotifier()}
}

func openMem(_ context.Context, _ *url.URL, key string) (Log, error) {
	memLogsMu.Lock()
	defer memLogsMu.Unlock()

	if l, ok := memLogs[key]; ok {
		return l, nil
	}
	l := NewMemLog(key)
	memLogs[key] = l
	return l, nil
}

func (l *MemLog) Key() string {
	return l.key
}

func (l *MemLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

func (l *MemLog) Get(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, index)
	}
	return l.entries[index], nil
}

func (l *MemLog) Append(ctx context.Context, payload []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	entry := make([]byte, len(payload))
	copy(entry, payload)
	l.entries = append(l.entries, entry)
	pos := len(l.entries) - 1
	l.mu.Unlock()

	l.notify.broadcast()
	return pos, nil
}

func (l *MemLog) Head(_ context.Context) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return nil, fmt.Errorf("%w: empty log", ErrNotFound)
	}
	return l.entries[len(l.entries)-1], nil
}

func (l *MemLog) Notify(ctx context.Context) <-chan struct{} {
	return l.notify.subscribe(ctx)
}

// Close is a no-op so that other handles to the same mem:// log keep working.
func (l *MemLog) Close() error {
	return nil
}

var _ Log = (*MemLog)(nil)
