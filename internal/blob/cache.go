package blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCacheEntries = 256
	// objects larger than this are streamed through without caching
	maxCachedObjectSize = 4 << 20
)

type cachedObject struct {
	data []byte
	resp GetObjectResponse
}

// CachedStore is a read-through LRU cache in front of another Store.
type CachedStore struct {
	Store
	cache *lru.Cache[string, *cachedObject]
}

func NewCachedStore(store Store, entries int) (*CachedStore, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New[string, *cachedObject](entries)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: store, cache: cache}, nil
}

func (c *CachedStore) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	if obj, ok := c.cache.Get(key); ok {
		slog.Debug("blob cache hit", "key", key)
		return obj.response(), nil
	}

	resp, err := c.Store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	if resp.Size > maxCachedObjectSize {
		return resp, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	obj := &cachedObject{data: data, resp: *resp}
	obj.resp.Body = nil
	obj.resp.Size = int64(len(data))
	c.cache.Add(key, obj)

	return obj.response(), nil
}

func (c *CachedStore) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	resp, err := c.Store.PutObject(ctx, params)
	c.cache.Remove(params.Key)
	return resp, err
}

// Len returns the number of cached objects.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}

func (o *cachedObject) response() *GetObjectResponse {
	resp := o.resp
	resp.Body = io.NopCloser(bytes.NewReader(o.data))
	return &resp
}

var _ Store = (*CachedStore)(nil)
