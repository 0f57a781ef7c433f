package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/eventlog"
	"golang.org/x/sync/errgroup"
)

// SubscribeRemote replays the history of log into the tree, then keeps
// applying entries as they are appended until ctx is done.
//
// History entries are fetched concurrently but applied strictly in log order.
// If any of them cannot be fetched or decoded nothing is applied, the failure
// goes to the error sink and onReady is never called. On success onReady is
// called exactly once, after the last history entry has been applied.
func (r *Registry) SubscribeRemote(ctx context.Context, log eventlog.Log, onReady func()) error {
	// backend reads must end when the registry stops, not only with the caller
	ctx, cancel := r.stopContext(ctx)
	following := false
	defer func() {
		if !following {
			cancel()
		}
	}()

	// subscribe first so appends racing the history fetch are not missed
	notify := log.Notify(ctx)

	length, err := log.Len(ctx)
	if err != nil {
		e := newError(SourceReplay, err, "[subscribe] read log length")
		r.ReportError(e)
		return e
	}

	events, err := r.fetchHistory(ctx, log, length)
	if err != nil {
		e := newError(SourceReplay, err, "[subscribe] fetch history")
		r.ReportError(e)
		return e
	}

	for _, evt := range events {
		if err := r.Apply(ctx, *evt); err != nil {
			e := newError(SourceReplay, err, "[subscribe] apply %s", evt)
			r.ReportError(e)
			return e
		}
	}

	r.logger.Info("replay complete", "key", log.Key(), "entries", len(events))
	if onReady != nil {
		onReady()
	}

	// position 0 is the genesis record and is never applied
	lastApplied := max(length-1, 0)
	following = r.goTracked(func() {
		defer cancel()
		r.follow(ctx, log, notify, lastApplied)
	})
	if !following {
		r.logger.Debug("registry stopped before following the log", "key", log.Key())
	}
	return nil
}

// fetchHistory reads and decodes positions 1..length-1. Position 0 is the
// genesis record.
func (r *Registry) fetchHistory(ctx context.Context, log eventlog.Log, length int) ([]*event.ChangeEvent, error) {
	if length <= 1 {
		return nil, nil
	}

	events := make([]*event.ChangeEvent, length-1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i := 1; i < length; i++ {
		i := i
		g.Go(func() error {
			evt, err := fetchEntry(gctx, log, i)
			if err != nil {
				return err
			}
			events[i-1] = evt
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return events, nil
}

func fetchEntry(ctx context.Context, log eventlog.Log, index int) (*event.ChangeEvent, error) {
	data, err := log.Get(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", index, err)
	}
	evt, err := event.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", index, err)
	}
	return evt, nil
}

// follow applies appended entries in order. lastApplied is the position of
// the last entry already in the tree.
func (r *Registry) follow(ctx context.Context, log eventlog.Log, notify <-chan struct{}, lastApplied int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case _, ok := <-notify:
			if !ok {
				r.logger.Debug("log notifications closed", "key", log.Key())
				return
			}
			lastApplied = r.catchUp(ctx, log, lastApplied)
		}
	}
}

// catchUp applies every entry after lastApplied and returns the new position.
// A failed fetch stops the pass; the next notification retries from there.
func (r *Registry) catchUp(ctx context.Context, log eventlog.Log, lastApplied int) int {
	length, err := log.Len(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.ReportError(newError(SourceReplay, err, "[subscribe] read log length"))
		}
		return lastApplied
	}

	for i := lastApplied + 1; i < length; i++ {
		data, err := log.Get(ctx, i)
		if err != nil {
			if ctx.Err() == nil {
				r.ReportError(newError(SourceReplay, err, "[subscribe] get entry %d", i))
			}
			return lastApplied
		}

		evt, err := event.Decode(data)
		if err != nil {
			// retrying a malformed entry cannot succeed
			r.ReportError(newError(SourceReplay, err, "[subscribe] skip entry %d", i))
			lastApplied = i
			continue
		}

		if err := r.Apply(ctx, *evt); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
				r.ReportError(newError(SourceReplay, err, "[subscribe] apply entry %d", i))
			}
			return lastApplied
		}
		lastApplied = i
	}
	return lastApplied
}
