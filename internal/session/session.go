package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmined/portal/internal/blob"
	"github.com/openmined/portal/internal/config"
	"github.com/openmined/portal/internal/event"
	"github.com/openmined/portal/internal/eventlog"
	"github.com/openmined/portal/internal/metrics"
	"github.com/openmined/portal/internal/registry"
	"github.com/openmined/portal/internal/utils"
)

const (
	publisherName    = "publish"
	autoTransferName = "auto-transfer"

	DefaultAutoTransferDelay = time.Second
	autoTransferRetries      = 3
)

type Role string

const (
	RoleHost Role = "host"
	RoleJoin Role = "join"
)

type Option func(*Session)

// WithRerender sets the callback fired whenever the tree or its statuses change.
func WithRerender(fn func()) Option {
	return func(s *Session) {
		s.rerender = fn
	}
}

// WithAutoTransferDelay sets how long the tree has to be quiet before changed
// entries are transferred again. Zero turns automatic transfers off.
func WithAutoTransferDelay(d time.Duration) Option {
	return func(s *Session) {
		s.autoDelay = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session ties a shared directory to its event log and blob store.
type Session struct {
	Registry *registry.Registry

	role     Role
	errs     *registry.ErrorLog
	cfg      *config.Config
	log      eventlog.Log
	store    blob.Store
	watcher  registry.FileWatcher
	lock     *dirLock
	logger    *slog.Logger
	rerender  func()
	autoDelay time.Duration

	ready     chan struct{}
	readyOnce sync.Once
	settled   chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(role Role, cfg *config.Config, opts ...Option) *Session {
	s := &Session{
		role:     role,
		errs:     registry.NewErrorLog(registry.DefaultErrorLogSize),
		cfg:      cfg,
		lock:      newDirLock(cfg.Dir),
		logger:    slog.Default(),
		rerender:  func() {},
		autoDelay: DefaultAutoTransferDelay,
		ready:     make(chan struct{}),
		settled:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Host creates a new session log for cfg.Dir. Every local change is published
// to the log, and the directory is uploaded once the initial scan is applied.
func Host(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	s := newSession(RoleHost, cfg, opts...)
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.lock.Lock(); err != nil {
		s.cancel()
		return nil, err
	}

	store, err := openStore(ctx, cfg.BlobURL)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store

	l, err := eventlog.Create(ctx, cfg.LogURL, store.Address())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create event log: %w", err)
	}
	s.log = l

	if err := s.startRegistry(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.Registry.Subscribe(publisherName, s.publish(ctx))
	s.autoTransfer(ctx, s.Registry.SyncChanged)

	fw, err := s.Registry.Watch(ctx, cfg.Dir, func() {
		s.markReady()
		go s.settle(ctx, s.Registry.Sync(ctx))
	}, !cfg.IncludeDotFiles)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.watcher = fw

	s.logger.Info("hosting session", "key", l.Key(), "dir", cfg.Dir, "log", cfg.LogURL, "blob", store.Address())
	return s, nil
}

// Join opens the session log of key, replays it into the tree and downloads
// the content into cfg.Dir.
func Join(ctx context.Context, cfg *config.Config, key string, opts ...Option) (*Session, error) {
	s := newSession(RoleJoin, cfg, opts...)
	ctx, s.cancel = context.WithCancel(ctx)

	l, genesis, err := eventlog.Join(ctx, cfg.LogURL, key)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("join event log: %w", err)
	}
	s.log = l

	store, err := openStore(ctx, genesis.Key)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = store

	if err := utils.EnsureDir(cfg.Dir); err != nil {
		s.Close()
		return nil, fmt.Errorf("create %s: %w", cfg.Dir, err)
	}
	if err := s.lock.Lock(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.startRegistry(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.autoTransfer(ctx, s.Registry.DownloadChanged)

	go func() {
		err := s.Registry.SubscribeRemote(ctx, l, func() {
			s.markReady()
			go s.settle(ctx, s.Registry.Download(ctx))
		})
		if err != nil {
			s.logger.Error("replay failed", "key", key, "error", err)
		}
	}()

	s.logger.Info("joined session", "key", key, "dir", cfg.Dir, "log", cfg.LogURL, "blob", store.Address())
	return s, nil
}

func openStore(ctx context.Context, addr string) (blob.Store, error) {
	store, err := blob.Open(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	cached, err := blob.NewCachedStore(store, blob.DefaultCacheEntries)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func (s *Session) startRegistry(ctx context.Context) error {
	s.Registry = registry.New(
		registry.WithLogger(s.logger),
		registry.WithErrorSink(s.errs.Add),
		registry.WithRerender(s.rerender),
		registry.WithStore(s.store),
		registry.WithLocalDir(s.cfg.Dir),
		registry.WithConcurrency(s.cfg.Concurrency),
	)
	return s.Registry.Start(ctx)
}

// publish returns the subscriber that appends every applied local event to the log.
func (s *Session) publish(ctx context.Context) registry.Subscriber {
	return func(evt *event.ChangeEvent) {
		data, err := event.Encode(evt)
		if err == nil {
			_, err = s.log.Append(ctx, data)
		}
		if err != nil {
			metrics.EventsPublished.WithLabelValues("error").Inc()
			s.Registry.ReportError(&registry.Error{
				Source:  registry.SourcePublish,
				Message: fmt.Sprintf("append %s", evt),
				Err:     err,
			})
			return
		}
		metrics.EventsPublished.WithLabelValues("ok").Inc()
	}
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() {
		close(s.ready)
		s.rerender()
	})
}

// settle waits for the first round of transfers.
func (s *Session) settle(ctx context.Context, transfers []*registry.Transfer) {
	defer close(s.settled)
	if err := registry.WaitAll(transfers); err != nil && ctx.Err() == nil {
		s.logger.Warn("initial transfer incomplete", "error", err)
		return
	}
	s.logger.Info("initial transfer complete", "entries", s.Registry.Size())
}

// autoTransfer runs transfer for the changed entries after every burst of
// applied events. It starts once the initial transfer has settled and retries
// a failed round with a growing delay.
func (s *Session) autoTransfer(ctx context.Context, transfer func(context.Context) []*registry.Transfer) {
	if s.autoDelay <= 0 {
		return
	}

	trigger := make(chan struct{}, 1)
	s.Registry.Subscribe(autoTransferName, func(*event.ChangeEvent) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})

	go func() {
		select {
		case <-s.settled:
		case <-ctx.Done():
			return
		}

		// one round right away picks up whatever changed during the initial transfer
		timer := time.NewTimer(s.autoDelay)
		defer timer.Stop()
		failures := 0

		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				timer.Reset(s.autoDelay)
			case <-timer.C:
				err := registry.WaitAll(transfer(ctx))
				if err == nil || ctx.Err() != nil {
					failures = 0
					continue
				}
				failures++
				if failures > autoTransferRetries {
					s.logger.Warn("auto transfer failed, waiting for the next change", "error", err)
					failures = 0
					continue
				}
				s.logger.Debug("auto transfer failed, retrying", "attempt", failures, "error", err)
				timer.Reset(s.autoDelay << failures)
			}
		}
	}()
}

func (s *Session) Role() Role {
	return s.role
}

// Key is the session key peers pass to Join.
func (s *Session) Key() string {
	return s.log.Key()
}

// Ready is closed once the tree reflects the initial scan or the replayed history.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Settled is closed once the transfers started at ready have finished.
func (s *Session) Settled() <-chan struct{} {
	return s.settled
}

func (s *Session) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// LogLen is the number of entries in the session log, genesis included.
func (s *Session) LogLen(ctx context.Context) (int, error) {
	return s.log.Len(ctx)
}

func (s *Session) Dir() string {
	return s.cfg.Dir
}

func (s *Session) Tree() []registry.TreeEntry {
	return s.Registry.Tree()
}

func (s *Session) Size() int {
	return s.Registry.Size()
}

// Errors returns the most recent non-fatal errors, oldest first.
func (s *Session) Errors() []*registry.Error {
	return s.errs.Errors()
}

func (s *Session) Sync(ctx context.Context) []*registry.Transfer {
	return s.Registry.Sync(ctx)
}

func (s *Session) Download(ctx context.Context) []*registry.Transfer {
	return s.Registry.Download(ctx)
}

func (s *Session) TransferStats() registry.TransferStats {
	return s.Registry.TransferStats()
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.cancel()
		if s.Registry != nil {
			s.Registry.Stop()
		}
		if s.log != nil {
			err = s.log.Close()
		}
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		s.logger.Info("session closed")
	})
	return err
}
