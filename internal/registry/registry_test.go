package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(path string) []string {
	return event.SplitPath(path)
}

func startRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r
}

func markSynced(t *testing.T, r *Registry, path string) {
	t.Helper()
	r.mu.RLock()
	n, ok := r.lookup(seg(path))
	r.mu.RUnlock()
	require.True(t, ok, path)
	n.finish(n.begin(), true)
}

func TestInsertFind(t *testing.T) {
	r := New()
	r.insert(seg("a/b/c.txt"), false)

	info, ok := r.Find(seg("a/b/c.txt"))
	require.True(t, ok)
	assert.Equal(t, "c.txt", info.Name)
	assert.Equal(t, "a/b/c.txt", info.Path)
	assert.False(t, info.IsDir)
	assert.Equal(t, StatusUnsynced, info.Status)

	// ancestors are created as directories
	parent, ok := r.Find(seg("a/b"))
	require.True(t, ok)
	assert.True(t, parent.IsDir)

	_, ok = r.Find(seg("a/missing"))
	assert.False(t, ok)
	_, ok = r.Find(nil)
	assert.False(t, ok, "the root is not an entry")
}

func TestInsertIdempotent(t *testing.T) {
	r := New()
	r.insert(seg("a/b"), false)
	first, _ := r.Find(seg("a/b"))
	size := r.Size()

	r.insert(seg("a/b"), false)
	second, _ := r.Find(seg("a/b"))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, size, r.Size())
}

func TestInsertOverwritesKind(t *testing.T) {
	r := New()
	r.insert(seg("x"), false)
	r.insert(seg("x"), true)

	info, ok := r.Find(seg("x"))
	require.True(t, ok)
	assert.True(t, info.IsDir)
}

func TestInsertEmptyPath(t *testing.T) {
	r := New()
	r.insert(nil, true)
	assert.Equal(t, 0, r.Size())
}

func TestRemoveKindGuard(t *testing.T) {
	r := New()
	r.insert(seg("dir/file"), false)

	assert.False(t, r.remove(seg("dir"), false), "kind mismatch")
	assert.False(t, r.remove(seg("dir/file"), true), "kind mismatch")
	assert.False(t, r.remove(seg("dir/ghost"), false), "missing")
	assert.Equal(t, 2, r.Size())

	assert.True(t, r.remove(seg("dir"), true))
	assert.Equal(t, 0, r.Size())
	_, ok := r.Find(seg("dir/file"))
	assert.False(t, ok)
}

func TestUpdateInvalidatesSubtree(t *testing.T) {
	r := New()
	r.insert(seg("a/b/c"), false)
	r.insert(seg("d"), false)
	for _, p := range []string{"a", "a/b", "a/b/c", "d"} {
		markSynced(t, r, p)
	}

	assert.True(t, r.update(seg("a/b")))
	assert.False(t, r.update(seg("nope")))

	status := func(p string) Status {
		info, ok := r.Find(seg(p))
		require.True(t, ok)
		return info.Status
	}
	assert.Equal(t, StatusSynced, status("a"))
	assert.Equal(t, StatusUnsynced, status("a/b"))
	assert.Equal(t, StatusUnsynced, status("a/b/c"))
	assert.Equal(t, StatusSynced, status("d"))
}

func TestTreeProjection(t *testing.T) {
	r := New()
	r.insert(seg("c"), false)
	r.insert(seg("a/b"), false)

	assert.Equal(t, []TreeEntry{
		{Indent: 0, Name: "a", Path: "a", IsDir: true, Status: StatusUnsynced},
		{Indent: 2, Name: "b", Path: "a/b", IsDir: false, Status: StatusUnsynced},
		{Indent: 0, Name: "c", Path: "c", IsDir: false, Status: StatusUnsynced},
	}, r.Tree())
}

func TestSizeMatchesTree(t *testing.T) {
	r := New()
	assert.Empty(t, r.Tree())
	assert.Equal(t, 0, r.Size())

	for _, p := range []string{"a/b/c", "a/d", "e", "f/g/h/i"} {
		r.insert(seg(p), false)
		assert.Len(t, r.Tree(), r.Size())
	}
	r.remove(seg("f/g"), true)
	assert.Len(t, r.Tree(), r.Size())
	assert.Equal(t, 5, r.Size())
}

func TestParseEvent(t *testing.T) {
	r := New()
	r.parseEvent(&event.ChangeEvent{Path: "a/b", Kind: event.EventAdd})
	markSynced(t, r, "a/b")

	r.parseEvent(&event.ChangeEvent{Path: "a/b", Kind: event.EventModify})
	info, _ := r.Find(seg("a/b"))
	assert.Equal(t, StatusUnsynced, info.Status)

	r.parseEvent(&event.ChangeEvent{Path: "blob://store", Kind: event.EventGenesis})
	assert.Equal(t, 2, r.Size())

	r.parseEvent(&event.ChangeEvent{Path: "a", Kind: event.EventDelete, IsDir: true})
	assert.Equal(t, 0, r.Size())
}

func TestSubmitRequiresStart(t *testing.T) {
	r := New()
	err := r.Submit(context.Background(), event.ChangeEvent{Path: "a", Kind: event.EventAdd})
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartTwice(t *testing.T) {
	r := startRegistry(t)
	assert.Error(t, r.Start(context.Background()))
}

func TestApplyAfterStop(t *testing.T) {
	r := New()
	require.NoError(t, r.Start(context.Background()))
	r.Stop()

	err := r.Apply(context.Background(), event.ChangeEvent{Path: "a", Kind: event.EventAdd})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubscribers(t *testing.T) {
	var renders atomic.Int32
	r := startRegistry(t, WithRerender(func() { renders.Add(1) }))
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string][]string{}
	record := func(name string) Subscriber {
		return func(evt *event.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			seen[name] = append(seen[name], evt.Path)
		}
	}

	unsubA := r.Subscribe("a", record("a"))
	r.Subscribe("b", record("b"))

	require.NoError(t, r.Apply(ctx, event.ChangeEvent{Path: "one", Kind: event.EventAdd}))
	unsubA()
	require.NoError(t, r.Apply(ctx, event.ChangeEvent{Path: "two", Kind: event.EventAdd}))

	// re-subscribing under the same name replaces the subscriber
	r.Subscribe("b", record("c"))
	require.NoError(t, r.Apply(ctx, event.ChangeEvent{Path: "three", Kind: event.EventAdd}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one"}, seen["a"])
	assert.Equal(t, []string{"one", "two"}, seen["b"])
	assert.Equal(t, []string{"three"}, seen["c"])
	assert.GreaterOrEqual(t, renders.Load(), int32(3))
}

func TestSubmitAppliesInOrder(t *testing.T) {
	r := startRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Submit(ctx, event.ChangeEvent{Path: "x", Kind: event.EventAdd}))
	require.NoError(t, r.Submit(ctx, event.ChangeEvent{Path: "x", Kind: event.EventDelete}))
	require.NoError(t, r.Submit(ctx, event.ChangeEvent{Path: "x", Kind: event.EventAdd, IsDir: true}))
	// Apply returns after every earlier submission has been applied
	require.NoError(t, r.Apply(ctx, event.ChangeEvent{Path: "x/y", Kind: event.EventAdd}))

	info, ok := r.Find(seg("x"))
	require.True(t, ok)
	assert.True(t, info.IsDir)
	assert.Equal(t, 2, r.Size())
}

func TestErrorLogBounded(t *testing.T) {
	l := NewErrorLog(3)
	for i := 0; i < 5; i++ {
		l.Add(newError(SourceTransfer, nil, "e%d", i))
	}

	errs := l.Errors()
	require.Len(t, errs, 3)
	assert.Equal(t, "e2", errs[0].Message)
	assert.Equal(t, "e4", errs[2].Message)
	assert.Equal(t, 5, l.Total())

	assert.Equal(t, DefaultErrorLogSize, NewErrorLog(0).max)
}

func TestErrorString(t *testing.T) {
	err := newError(SourceReplay, context.DeadlineExceeded, "[subscribe] get entry %d", 3)
	assert.Equal(t, "[replay] [subscribe] get entry 3: context deadline exceeded", err.String())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeWatcher struct {
	events  []event.ChangeEvent
	err     error
	stopped atomic.Bool
}

func (w *fakeWatcher) Start(_ context.Context, h watcher.Handler) error {
	if w.err != nil {
		return w.err
	}
	go func() {
		for _, evt := range w.events {
			h.OnChange(evt)
		}
		h.OnReady()
	}()
	return nil
}

func (w *fakeWatcher) Stop() {
	w.stopped.Store(true)
}

func TestWatchWith(t *testing.T) {
	r := startRegistry(t)
	fw := &fakeWatcher{events: []event.ChangeEvent{
		{Path: "docs", Kind: event.EventAdd, IsDir: true},
		{Path: "docs/readme.md", Kind: event.EventAdd},
	}}

	ready := make(chan struct{})
	require.NoError(t, r.WatchWith(context.Background(), fw, func() { close(ready) }))
	<-ready

	assert.Eventually(t, func() bool { return r.Size() == 2 }, time.Second, 10*time.Millisecond)
}

func TestWatchWithStartError(t *testing.T) {
	errs := NewErrorLog(0)
	r := startRegistry(t, WithErrorSink(errs.Add))

	err := r.WatchWith(context.Background(), &fakeWatcher{err: assert.AnError}, nil)
	require.ErrorIs(t, err, assert.AnError)
	require.Len(t, errs.Errors(), 1)
	assert.Equal(t, SourceWatcher, errs.Errors()[0].Source)
}

func TestWatchScansDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/b.txt", "b")
	writeFile(t, dir, "c.txt", "c")
	writeFile(t, dir, ".hidden", "h")

	r := startRegistry(t)
	ready := make(chan struct{})
	fw, err := r.Watch(context.Background(), dir, func() { close(ready) }, true)
	require.NoError(t, err)
	defer fw.Stop()

	<-ready
	assert.Eventually(t, func() bool { return r.Size() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, r.LocalDir())

	_, ok := r.Find(seg(".hidden"))
	assert.False(t, ok)
}
