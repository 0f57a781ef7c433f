package blob

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/portal/internal/utils"
)

// FileStore keeps objects as plain files under a root directory.
// Useful for peers sharing a network mount and for local testing.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// openFile handles file:///abs/path
func openFile(_ context.Context, u *url.URL) (Store, error) {
	return NewFileStore(filepath.FromSlash(u.Host + u.Path))
}

func (s *FileStore) Address() string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(s.root)}
	return u.String()
}

func (s *FileStore) objectPath(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return p, nil
}

func (s *FileStore) GetObject(_ context.Context, key string) (*GetObjectResponse, error) {
	p, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &GetObjectResponse{
		Body:         f,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}, nil
}

func (s *FileStore) PutObject(_ context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	p, err := s.objectPath(params.Key)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureParent(p); err != nil {
		return nil, err
	}

	// write to a temp file first so readers never see a partial object
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), params.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tmp.Name(), p); err != nil {
		return nil, err
	}

	return &PutObjectResponse{
		Key:          params.Key,
		ETag:         fmt.Sprintf("%x", hash.Sum(nil)),
		Size:         n,
		LastModified: time.Now().UTC(),
	}, nil
}

var _ Store = (*FileStore)(nil)
