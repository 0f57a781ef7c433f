package registry

import (
	"context"

	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/watcher"
)

// FileWatcher is the source of local change events.
type FileWatcher interface {
	Start(ctx context.Context, h watcher.Handler) error
	Stop()
}

// Watch reports the contents of dir into the tree and keeps it current.
// onReady is called once the initial scan has been applied. dir also becomes
// the local directory for transfers unless one was configured.
func (r *Registry) Watch(ctx context.Context, dir string, onReady func(), ignoreDotFiles bool) (FileWatcher, error) {
	fw, err := watcher.New(dir, watcher.WithIgnoreDotFiles(ignoreDotFiles))
	if err != nil {
		e := newError(SourceWatcher, err, "watch %s", dir)
		r.ReportError(e)
		return nil, e
	}

	r.setLocalDirIfEmpty(fw.Dir())
	if err := r.WatchWith(ctx, fw, onReady); err != nil {
		return nil, err
	}
	return fw, nil
}

// WatchWith feeds the events of fw into the mutation loop.
func (r *Registry) WatchWith(ctx context.Context, fw FileWatcher, onReady func()) error {
	err := fw.Start(ctx, watcher.Handler{
		OnChange: func(evt event.ChangeEvent) {
			if err := r.Submit(ctx, evt); err != nil {
				r.logger.Debug("dropped watcher event", "event", evt.String(), "error", err)
			}
		},
		OnError: func(err error) {
			r.ReportError(newError(SourceWatcher, err, "watch"))
		},
		OnReady: func() {
			if err := r.Flush(ctx); err != nil {
				r.logger.Debug("initial scan not applied", "error", err)
				return
			}
			r.logger.Info("initial scan complete", "entries", r.Size())
			if onReady != nil {
				onReady()
			}
		},
	})
	if err != nil {
		e := newError(SourceWatcher, err, "start watcher")
		r.ReportError(e)
		return e
	}
	return nil
}
