package blob

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putString(t *testing.T, s Store, key, data string) *PutObjectResponse {
	t.Helper()
	resp, err := s.PutObject(context.Background(), &PutObjectParams{
		Key:  key,
		Size: int64(len(data)),
		Body: bytes.NewReader([]byte(data)),
	})
	require.NoError(t, err)
	return resp
}

func getString(t *testing.T, s Store, key string) string {
	t.Helper()
	resp, err := s.GetObject(context.Background(), key)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestStores_PutGet(t *testing.T) {
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	stores := map[string]Store{
		"mem":  NewMemStore("test"),
		"file": fileStore,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			resp := putString(t, s, "dir/a.txt", "hello")
			assert.Equal(t, "dir/a.txt", resp.Key)
			assert.Equal(t, int64(5), resp.Size)
			assert.NotEmpty(t, resp.ETag)

			assert.Equal(t, "hello", getString(t, s, "dir/a.txt"))

			putString(t, s, "dir/a.txt", "bye")
			assert.Equal(t, "bye", getString(t, s, "dir/a.txt"))

			_, err := s.GetObject(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), &PutObjectParams{Key: "../outside", Body: bytes.NewReader(nil)})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, "mem://shared")
	require.NoError(t, err)
	b, err := Open(ctx, "mem://shared")
	require.NoError(t, err)
	putString(t, a, "k", "v")
	assert.Equal(t, "v", getString(t, b, "k"))
	assert.Equal(t, "mem://shared", a.Address())

	dir := filepath.Join(t.TempDir(), "blobs")
	fs, err := Open(ctx, "file://"+filepath.ToSlash(dir))
	require.NoError(t, err)
	assert.DirExists(t, dir)

	reopened, err := Open(ctx, fs.Address())
	require.NoError(t, err)
	putString(t, fs, "x/y", "z")
	assert.Equal(t, "z", getString(t, reopened, "x/y"))

	_, err = Open(ctx, "ftp://nope")
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestCachedStore(t *testing.T) {
	backend := NewMemStore("cache")
	cached, err := NewCachedStore(backend, 2)
	require.NoError(t, err)

	putString(t, cached, "a", "1")
	assert.Equal(t, 0, cached.Len())

	assert.Equal(t, "1", getString(t, cached, "a"))
	assert.Equal(t, 1, cached.Len())

	// served from cache even though the backend changed underneath
	putString(t, backend, "a", "2")
	assert.Equal(t, "1", getString(t, cached, "a"))

	// writes through the cache invalidate the entry
	putString(t, cached, "a", "3")
	assert.Equal(t, "3", getString(t, cached, "a"))
	assert.Equal(t, "mem://cache", cached.Address())
}
