package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/portal/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSqliteLog(t *testing.T, key string) *SqliteLog {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "log.db"), db.WithMaxOpenConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	l, err := NewSqliteLog(context.Background(), database, key, 0)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testLogs(t *testing.T) map[string]Log {
	return map[string]Log{
		"mem":    NewMemLog("test"),
		"sqlite": newTestSqliteLog(t, "test"),
	}
}

func TestLog_AppendGetHead(t *testing.T) {
	ctx := context.Background()

	for name, l := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			n, err := l.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			_, err = l.Head(ctx)
			assert.ErrorIs(t, err, ErrNotFound)

			for i, payload := range []string{"zero", "one", "two"} {
				pos, err := l.Append(ctx, []byte(payload))
				require.NoError(t, err)
				assert.Equal(t, i, pos)
			}

			n, err = l.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			data, err := l.Get(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "one", string(data))

			head, err := l.Head(ctx)
			require.NoError(t, err)
			assert.Equal(t, "two", string(head))

			_, err = l.Get(ctx, 3)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = l.Get(ctx, -1)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLog_Notify(t *testing.T) {
	for name, l := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			ch := l.Notify(ctx)

			_, err := l.Append(ctx, []byte("a"))
			require.NoError(t, err)
			_, err = l.Append(ctx, []byte("b"))
			require.NoError(t, err)

			// two appends coalesce into at most one pending signal
			select {
			case <-ch:
			case <-time.After(time.Second):
				t.Fatal("no append notification")
			}

			cancel()
			assert.Eventually(t, func() bool {
				select {
				case _, ok := <-ch:
					return !ok
				default:
					return false
				}
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestSqliteLog_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(db.Memory, db.WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()

	a, err := NewSqliteLog(ctx, database, "a", 0)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSqliteLog(ctx, database, "b", 0)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Append(ctx, []byte("x"))
	require.NoError(t, err)

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSqliteLog_PollsForForeignAppends(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	writer, err := Open(ctx, "sqlite://"+filepath.ToSlash(path), "session")
	require.NoError(t, err)
	defer writer.Close()

	database, err := db.Open(path, db.WithMaxOpenConns(1))
	require.NoError(t, err)
	defer database.Close()
	reader, err := NewSqliteLog(ctx, database, "session", 20*time.Millisecond)
	require.NoError(t, err)
	defer reader.Close()

	ch := reader.Notify(ctx)
	_, err = writer.Append(ctx, []byte("from another process"))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not notice the append")
	}
}

func TestCreateJoin(t *testing.T) {
	ctx := context.Background()

	host, err := Create(ctx, "mem://", "mem://blobs")
	require.NoError(t, err)

	peer, genesis, err := Join(ctx, "mem://", host.Key())
	require.NoError(t, err)
	assert.Equal(t, "mem://blobs", genesis.Key)

	_, err = host.Append(ctx, []byte(`{"path":"a","status":"add","isDir":true}`))
	require.NoError(t, err)
	n, err := peer.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJoin_Errors(t *testing.T) {
	ctx := context.Background()

	_, _, err := Join(ctx, "mem://", "not-a-key")
	assert.Error(t, err)

	_, _, err = Join(ctx, "mem://", NewKey())
	assert.ErrorIs(t, err, ErrNoGenesis)

	_, err = Open(ctx, "kafka://broker", NewKey())
	assert.ErrorIs(t, err, ErrUnknownScheme)
}
