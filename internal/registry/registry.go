package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openmined/portal/internal/blob"
	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/metrics"
	"golang.org/x/sync/semaphore"
)

const (
	queueSize          = 256
	DefaultConcurrency = 16
)

// Subscriber is called with every event applied to the tree.
type Subscriber func(evt *event.ChangeEvent)

// NodeInfo is a point-in-time snapshot of a node.
type NodeInfo struct {
	ID     NodeID
	Name   string
	Path   string
	IsDir  bool
	Status Status
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithErrorSink(sink ErrorSink) Option {
	return func(r *Registry) {
		r.onError = sink
	}
}

// WithRerender sets the callback fired after every applied change and status
// transition. It must not block.
func WithRerender(fn func()) Option {
	return func(r *Registry) {
		r.rerender = fn
	}
}

func WithStore(store blob.Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithLocalDir sets the directory transfers read from and write to.
func WithLocalDir(dir string) Option {
	return func(r *Registry) {
		r.localDir = dir
	}
}

// WithConcurrency bounds the number of concurrent blob transfers and log fetches.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

type request struct {
	evt     event.ChangeEvent
	barrier bool
	applied chan struct{}
}

// Registry owns the trie and is the single place it gets mutated. Both the
// local watcher and the remote log feed one queue consumed by one loop.
type Registry struct {
	mu    sync.RWMutex
	arena *arena

	subs   map[string]Subscriber
	subsMu sync.RWMutex

	cfgMu    sync.RWMutex
	store    blob.Store
	localDir string

	logger      *slog.Logger
	onError     ErrorSink
	rerender    func()
	concurrency int
	transfers   *semaphore.Weighted
	throughput  *throughput

	queue    chan *request
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	// lifeMu orders wg.Add in goTracked against the close of done in Stop
	lifeMu sync.Mutex
	wg     sync.WaitGroup
}

func New(opts ...Option) *Registry {
	r := &Registry{
		arena:       newArena(),
		subs:        make(map[string]Subscriber),
		logger:      slog.Default(),
		onError:     func(*Error) {},
		rerender:    func() {},
		concurrency: DefaultConcurrency,
		throughput:  newThroughput(throughputWindow),
		queue:       make(chan *request, queueSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.transfers = semaphore.NewWeighted(int64(r.concurrency))
	return r
}

// SetStore sets the blob store used by Sync and Download.
func (r *Registry) SetStore(store blob.Store) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.store = store
}

func (r *Registry) Store() blob.Store {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.store
}

func (r *Registry) LocalDir() string {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.localDir
}

func (r *Registry) setLocalDirIfEmpty(dir string) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	if r.localDir == "" {
		r.localDir = dir
	}
}

// ===================================================================================================

// Start runs the mutation loop until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("registry already started")
	}

	if !r.goTracked(func() { r.loop(ctx) }) {
		return ErrStopped
	}
	return nil
}

// Stop ends the mutation loop and every log follower. Events still queued are dropped.
func (r *Registry) Stop() {
	r.lifeMu.Lock()
	r.stopOnce.Do(func() { close(r.done) })
	r.lifeMu.Unlock()
	r.wg.Wait()
}

// goTracked runs fn on a goroutine Stop waits for. It returns false without
// running fn once the registry is stopped.
func (r *Registry) goTracked(fn func()) bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	select {
	case <-r.done:
		return false
	default:
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// stopContext derives a context that is also cancelled when the registry stops.
func (r *Registry) stopContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (r *Registry) loop(ctx context.Context) {
	defer r.stopOnce.Do(func() { close(r.done) })

	r.logger.Debug("registry loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("registry loop stopped", "reason", ctx.Err())
			return
		case <-r.done:
			r.logger.Debug("registry loop stopped")
			return
		case req := <-r.queue:
			if !req.barrier {
				r.onChange(&req.evt)
			}
			if req.applied != nil {
				close(req.applied)
			}
		}
	}
}

func (r *Registry) enqueue(ctx context.Context, req *request) error {
	if !r.started.Load() {
		return ErrNotStarted
	}

	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// Submit queues evt for the mutation loop without waiting for it to be applied.
func (r *Registry) Submit(ctx context.Context, evt event.ChangeEvent) error {
	return r.enqueue(ctx, &request{evt: evt})
}

// Apply queues evt and waits until the mutation loop has applied it and
// notified every subscriber.
func (r *Registry) Apply(ctx context.Context, evt event.ChangeEvent) error {
	return r.wait(ctx, &request{evt: evt, applied: make(chan struct{})})
}

// Flush waits until every event submitted before it has been applied.
func (r *Registry) Flush(ctx context.Context) error {
	return r.wait(ctx, &request{barrier: true, applied: make(chan struct{})})
}

func (r *Registry) wait(ctx context.Context, req *request) error {
	if err := r.enqueue(ctx, req); err != nil {
		return err
	}

	select {
	case <-req.applied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// onChange is the only path from an event to the trie. Runs on the loop goroutine.
func (r *Registry) onChange(evt *event.ChangeEvent) {
	r.parseEvent(evt)
	metrics.EventsApplied.WithLabelValues(string(evt.Kind)).Inc()

	r.subsMu.RLock()
	subs := make([]Subscriber, 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subsMu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}

	r.logger.Debug("change applied, rerendering", "event", evt.String())
	r.rerender()
}

// ===================================================================================================

// Subscribe registers fn under name, replacing any subscriber with the same
// name. Fan-out order across subscribers is unspecified.
func (r *Registry) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.subs[name] = fn
	return func() { r.Unsubscribe(name) }
}

func (r *Registry) Unsubscribe(name string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	delete(r.subs, name)
}

// ===================================================================================================

// The trie operations below are only called from the mutation loop, so every
// change reaches subscribers. Other goroutines go through Submit or Apply.

// parseEvent maps an event onto the matching trie operation.
func (r *Registry) parseEvent(evt *event.ChangeEvent) {
	r.logger.Debug("parsing event", "kind", evt.Kind, "path", evt.Path)

	segments := evt.Segments()
	switch evt.Kind {
	case event.EventAdd:
		r.insert(segments, evt.IsDir)
	case event.EventModify:
		r.update(segments)
	case event.EventDelete:
		r.remove(segments, evt.IsDir)
	default:
		// genesis only carries the store address
	}
}

// insert creates any missing ancestors as directories and sets the leaf's
// kind, overwriting the kind of an existing leaf.
func (r *Registry) insert(segments []string, isDir bool) {
	if len(segments) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.arena.root()
	for _, segment := range segments {
		child, ok := r.arena.child(cur, segment)
		if !ok {
			child = r.arena.addChild(cur, segment, true)
		}
		cur = child
	}
	cur.isDir = isDir

	r.logger.Debug("inserted", "path", event.JoinPath(segments), "dir", isDir)
}

// remove deletes the node at segments only if it exists and its kind matches isDir.
func (r *Registry) remove(segments []string, isDir bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.lookup(segments)
	if !ok || n.id == rootID || n.isDir != isDir {
		r.logger.Debug("remove skipped", "path", event.JoinPath(segments), "dir", isDir, "found", ok)
		return false
	}

	r.arena.detach(n)
	r.logger.Debug("removed", "path", event.JoinPath(segments), "dir", isDir)
	return true
}

// Find returns a snapshot of the node at segments.
func (r *Registry) Find(segments []string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.lookup(segments)
	if !ok || n.id == rootID {
		return NodeInfo{}, false
	}
	return NodeInfo{
		ID:     n.id,
		Name:   n.segment,
		Path:   event.JoinPath(r.arena.path(n)),
		IsDir:  n.isDir,
		Status: n.Status(),
	}, true
}

// update marks the node at segments and its whole subtree Unsynced.
func (r *Registry) update(segments []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.lookup(segments)
	if !ok || n.id == rootID {
		r.logger.Debug("update skipped", "path", event.JoinPath(segments))
		return false
	}

	for _, d := range r.arena.traverse(n) {
		d.invalidate()
	}
	r.logger.Debug("updated", "path", event.JoinPath(segments))
	return true
}

// lookup walks from the root, stopping at the first missing segment.
// Caller holds r.mu.
func (r *Registry) lookup(segments []string) (*node, bool) {
	cur := r.arena.root()
	for _, segment := range segments {
		child, ok := r.arena.child(cur, segment)
		if !ok {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// ReportError logs err, hands it to the error sink and requests a rerender.
func (r *Registry) ReportError(err *Error) {
	r.logger.Error("registry", "source", err.Source, "error", err.Error())
	r.onError(err)
	r.rerender()
}
