package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

type memObject struct {
	data         []byte
	etag         string
	lastModified time.Time
}

// MemStore is an in-process store. Stores opened by the same mem:// name
// share their contents.
type MemStore struct {
	name    string
	objects map[string]*memObject
	mu      sync.RWMutex
}

var (
	memStores   = make(map[string]*MemStore)
	memStoresMu sync.Mutex
)

func NewMemStore(name string) *MemStore {
	return &MemStore{
		name:    name,
		objects: make(map[string]*memObject),
	}
}

// openMem handles mem://name
func openMem(_ context.Context, u *url.URL) (Store, error) {
	memStoresMu.Lock()
	defer memStoresMu.Unlock()

	if s, ok := memStores[u.Host]; ok {
		return s, nil
	}
	s := NewMemStore(u.Host)
	memStores[u.Host] = s
	return s, nil
}

func (s *MemStore) Address() string {
	return "mem://" + s.name
}

func (s *MemStore) GetObject(_ context.Context, key string) (*GetObjectResponse, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return &GetObjectResponse{
		Body:         io.NopCloser(bytes.NewReader(obj.data)),
		ETag:         obj.etag,
		Size:         int64(len(obj.data)),
		LastModified: obj.lastModified,
	}, nil
}

func (s *MemStore) PutObject(_ context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	obj := &memObject{
		data:         data,
		etag:         fmt.Sprintf("%x", md5.Sum(data)),
		lastModified: time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[params.Key] = obj
	s.mu.Unlock()

	return &PutObjectResponse{
		Key:          params.Key,
		ETag:         obj.etag,
		Size:         int64(len(data)),
		LastModified: obj.lastModified,
	}, nil
}

// Len returns the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ Store = (*MemStore)(nil)
