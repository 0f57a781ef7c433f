package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/portal/internal/blob"
	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/metrics"
	"github.com/openmined/portal/internal/utils"
	"golang.org/x/sync/errgroup"
)

type transferKind string

const (
	kindSync     transferKind = "sync"
	kindDownload transferKind = "download"
)

// Transfer is an in-flight sync or download of one top-level entry.
type Transfer struct {
	Name string
	done chan struct{}
	err  error
}

func newTransfer(name string) *Transfer {
	return &Transfer{Name: name, done: make(chan struct{})}
}

// Done is closed once the entry and its whole subtree have been transferred.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Err returns the first error of the transfer. Only valid after Done is closed.
func (t *Transfer) Err() error {
	return t.err
}

// Wait blocks until the transfer finishes.
func (t *Transfer) Wait() error {
	<-t.done
	return t.err
}

// WaitAll waits for every transfer and joins their errors.
func WaitAll(transfers []*Transfer) error {
	var errs []error
	for _, t := range transfers {
		if err := t.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ===================================================================================================

// Sync uploads every file in the tree to the blob store. It starts one
// transfer per top-level entry and returns without waiting for them.
func (r *Registry) Sync(ctx context.Context) []*Transfer {
	r.logger.Debug("syncing registry to remote")
	return r.fanOut(ctx, kindSync, false)
}

// Download fetches every file in the tree from the blob store into the local
// directory. Like Sync it returns the in-flight transfers immediately.
func (r *Registry) Download(ctx context.Context) []*Transfer {
	r.logger.Debug("downloading files from remote")
	return r.fanOut(ctx, kindDownload, false)
}

// SyncChanged is Sync restricted to Unsynced entries. Entries already synced
// or currently syncing are left alone.
func (r *Registry) SyncChanged(ctx context.Context) []*Transfer {
	r.logger.Debug("syncing changed entries to remote")
	return r.fanOut(ctx, kindSync, true)
}

// DownloadChanged is Download restricted to Unsynced entries.
func (r *Registry) DownloadChanged(ctx context.Context) []*Transfer {
	r.logger.Debug("downloading changed entries from remote")
	return r.fanOut(ctx, kindDownload, true)
}

// pass is what every node of one Sync or Download shares.
type pass struct {
	kind        transferKind
	store       blob.Store
	dir         string
	changedOnly bool
}

func (r *Registry) fanOut(ctx context.Context, kind transferKind, changedOnly bool) []*Transfer {
	store := r.Store()
	if store == nil {
		r.ReportError(newError(SourceTransfer, ErrNoStore, "[%s]", kind))
		return nil
	}
	dir := r.LocalDir()
	if dir == "" {
		r.ReportError(newError(SourceTransfer, nil, "[%s] no local directory", kind))
		return nil
	}
	p := &pass{kind: kind, store: store, dir: dir, changedOnly: changedOnly}

	r.mu.RLock()
	children := r.arena.sortedChildren(r.arena.root())
	r.mu.RUnlock()

	transfers := make([]*Transfer, 0, len(children))
	for _, c := range children {
		t := newTransfer(c.segment)
		transfers = append(transfers, t)
		go func(id NodeID) {
			defer close(t.done)
			t.err = r.transferNode(ctx, id, p)
		}(c.id)
	}
	return transfers
}

// transferNode moves the content of one node and recurses into its children
// concurrently. Directories carry no content of their own.
func (r *Registry) transferNode(ctx context.Context, id NodeID, p *pass) error {
	r.mu.RLock()
	n, ok := r.arena.get(id)
	if !ok {
		// removed since the walk started
		r.mu.RUnlock()
		return nil
	}
	key := event.JoinPath(r.arena.path(n))
	isDir := n.isDir
	var children []NodeID
	for _, c := range r.arena.sortedChildren(n) {
		children = append(children, c.id)
	}
	r.mu.RUnlock()

	// a synced directory may still hold new or changed children
	own := !p.changedOnly || n.Status() == StatusUnsynced
	if !own && !isDir {
		return nil
	}

	var gen uint64
	if own {
		gen = n.begin()
		r.rerender()
	}

	var err error
	if isDir {
		if own {
			err = r.transferDir(ctx, key, p)
		}
		if err == nil {
			var g errgroup.Group
			for _, c := range children {
				c := c
				g.Go(func() error {
					return r.transferNode(ctx, c, p)
				})
			}
			err = g.Wait()
		}
	} else {
		err = r.transferFile(ctx, key, p)
	}

	if own {
		n.finish(gen, err == nil)
		r.rerender()
	}
	return err
}

func (r *Registry) transferDir(ctx context.Context, key string, p *pass) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.kind != kindDownload {
		return nil
	}

	path, err := localPath(p.dir, key)
	if err == nil {
		err = utils.EnsureDir(path)
	}
	if err != nil {
		r.ReportError(newError(SourceTransfer, err, "[%s] %s", p.kind, key))
		return err
	}
	return nil
}

func (r *Registry) transferFile(ctx context.Context, key string, p *pass) error {
	kind := p.kind
	if err := r.transfers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.transfers.Release(1)

	start := time.Now()
	var size int64
	path, err := localPath(p.dir, key)
	if err == nil {
		switch kind {
		case kindSync:
			size, err = uploadFile(ctx, p.store, key, path)
		case kindDownload:
			size, err = downloadFile(ctx, p.store, key, path)
		}
	}
	metrics.ObserveTransfer(string(kind), size, time.Since(start), err)

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.ReportError(newError(SourceTransfer, err, "[%s] %s", kind, key))
		}
		return err
	}

	r.throughput.add(size)
	r.logger.Debug("transferred", "kind", kind, "key", key, "size", size, "took", time.Since(start))
	return nil
}

// localPath maps key below dir, refusing keys that resolve outside of it.
func localPath(dir, key string) (string, error) {
	p := filepath.Join(dir, filepath.FromSlash(key))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, key)
	}
	return p, nil
}

func uploadFile(ctx context.Context, store blob.Store, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}

	resp, err := store.PutObject(ctx, &blob.PutObjectParams{
		Key:         key,
		Size:        info.Size(),
		Body:        f,
		ContentType: utils.DetectContentType(key),
	})
	if err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func downloadFile(ctx context.Context, store blob.Store, key, path string) (int64, error) {
	resp, err := store.GetObject(ctx, key)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := utils.EnsureParent(path); err != nil {
		return 0, err
	}

	// stage next to the target so the rename stays on one filesystem
	tmp, err := os.CreateTemp(filepath.Dir(path), ".portal-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}
