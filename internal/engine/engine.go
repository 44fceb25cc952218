package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/lmsync/internal/cache"
	"github.com/roach88/lmsync/internal/compiler"
	"github.com/roach88/lmsync/internal/config"
	"github.com/roach88/lmsync/internal/connectivity"
	"github.com/roach88/lmsync/internal/events"
	"github.com/roach88/lmsync/internal/executor"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/offline"
	"github.com/roach88/lmsync/internal/remote"
	"github.com/roach88/lmsync/internal/store"
	"github.com/roach88/lmsync/internal/syncer"
)

// Engine is the request, cache and sync engine of one account.
type Engine struct {
	account   string
	cfg       config.Config
	db        *store.Store
	registry  *model.Registry
	cache     *cache.Store
	inval     *cache.Invalidator
	exec      *executor.Executor
	log       *offline.Log
	sync      *syncer.Coordinator
	oracle    connectivity.Oracle
	publisher events.Publisher
	clock     model.Clock
	logger    *slog.Logger
	triggers  *triggerQueue

	closeOnce sync.Once
	closeErr  error
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	oracle    connectivity.Oracle
	publisher events.Publisher
	registry  *model.Registry
	clock     model.Clock
	logger    *slog.Logger
}

// WithOracle sets the connectivity oracle. Default: always online.
func WithOracle(o connectivity.Oracle) Option {
	return func(opts *options) { opts.oracle = o }
}

// WithPublisher sets where sync events go. Default: discarded.
func WithPublisher(p events.Publisher) Option {
	return func(opts *options) { opts.publisher = p }
}

// WithRegistry sets the resource types, overriding cfg.Resources.
func WithRegistry(r *model.Registry) Option {
	return func(opts *options) { opts.registry = r }
}

// WithClock sets the clock. Default: model.SystemClock.
func WithClock(c model.Clock) Option {
	return func(opts *options) { opts.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// Open opens the engine of account, creating its database under
// cfg.DataDir if needed.
func Open(cfg config.Config, account string, transport remote.Transport, creds remote.CredentialSource, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	path, err := cfg.DBPath(account)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	o := options{
		oracle:    connectivity.Always(true),
		publisher: events.Nop{},
		clock:     model.SystemClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("account", account)

	registry := o.registry
	if registry == nil {
		if cfg.Resources != "" {
			registry, err = compiler.LoadFile(cfg.Resources)
			if err != nil {
				return nil, fmt.Errorf("open engine: %w", err)
			}
		} else {
			registry = compiler.Empty()
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("open engine: create data dir: %w", err)
	}
	db, err := store.Open(path, store.WithDriver(cfg.Driver))
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	e := &Engine{
		account:   account,
		cfg:       cfg,
		db:        db,
		registry:  registry,
		oracle:    o.oracle,
		publisher: o.publisher,
		clock:     o.clock,
		logger:    logger,
		triggers:  newTriggerQueue(),
	}
	e.cache = cache.New(db, o.clock, logger)
	e.inval = cache.NewInvalidator(e.cache)
	e.exec = executor.New(transport, creds, e.cache,
		executor.WithTTL(cfg.CacheTTL),
		executor.WithClock(o.clock),
		executor.WithOracle(o.oracle),
		executor.WithOfflineDisabled(cfg.OfflineDisabled),
		executor.WithLogger(logger),
	)
	e.log = offline.NewLog(db, registry, o.clock, logger)
	e.sync = syncer.New(e.log, e.exec, e.inval, db,
		syncer.WithOracle(o.oracle),
		syncer.WithPublisher(o.publisher),
		syncer.WithClock(o.clock),
		syncer.WithThrottle(cfg.SyncThrottle),
		syncer.WithConcurrency(cfg.SyncConcurrency),
		syncer.WithLogger(logger),
	)

	logger.Info("engine opened", "db", path, "driver", db.Driver(), "resources", len(registry.Names()))
	return e, nil
}

// Account returns the account name.
func (e *Engine) Account() string { return e.account }

// Registry returns the resource types.
func (e *Engine) Registry() *model.Registry { return e.registry }

// Store returns the account database.
func (e *Engine) Store() *store.Store { return e.db }

// Cache returns the Cache Store.
func (e *Engine) Cache() *cache.Store { return e.cache }

// Invalidator returns the cross-cutting invalidation bus.
func (e *Engine) Invalidator() *cache.Invalidator { return e.inval }

// Coordinator returns the Sync Coordinator.
func (e *Engine) Coordinator() *syncer.Coordinator { return e.sync }

// Log returns the Offline Mutation Log.
func (e *Engine) Log() *offline.Log { return e.log }

// Read performs a remote read through the cache.
func (e *Engine) Read(ctx context.Context, method string, params model.Params, p executor.Policy) (executor.Result, error) {
	return e.exec.Do(ctx, method, params, p)
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	// Queued is set when the mutation went to the Offline Mutation Log.
	Queued bool

	// Mutation is the mutation as stored (Seq set) or as sent.
	Mutation model.PendingMutation

	// Data is the server response when the mutation was sent.
	Data json.RawMessage
}

// Submit performs a local write.
//
// The write is queued instead of sent when older mutations of the resource
// are pending, or when sending fails for any reason but a definitive
// rejection. A rejection is returned and nothing is queued. Sites with
// offline support disabled never queue.
func (e *Engine) Submit(ctx context.Context, m model.PendingMutation) (SubmitResult, error) {
	rt := e.registry.Lookup(m.ResourceType)
	if m.Method == "" {
		method, ok := rt.Method(m.Kind)
		if !ok {
			return SubmitResult{}, fmt.Errorf("submit %s: no %s method for resource type %q", m.Key(), m.Kind, rt.Name)
		}
		m.Method = method
	}
	params, err := m.Params()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit %s: %w", m.Key(), err)
	}
	key := m.Key()

	if !e.cfg.OfflineDisabled {
		pending, err := e.log.HasPending(ctx, key)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("submit %s: %w", key, err)
		}
		if pending {
			res, err := e.queue(ctx, m, "older mutations pending")
			if err == nil && e.oracle.IsOnline() {
				// Online but behind: let Run drain the resource in order.
				e.triggers.Enqueue(key)
			}
			return res, err
		}
	}

	data, err := e.exec.Execute(ctx, m.Method, params, executor.WritePolicy())
	if err == nil {
		if ierr := e.inval.InvalidateResource(ctx, rt, key); ierr != nil {
			e.logger.Error("cache invalidation failed", "key", key.String(), "error", ierr)
		}
		return SubmitResult{Mutation: m, Data: data}, nil
	}
	if remote.IsRejected(err) || e.cfg.OfflineDisabled {
		return SubmitResult{}, fmt.Errorf("submit %s: %w", key, err)
	}
	return e.queue(ctx, m, string(remote.KindOf(err)))
}

func (e *Engine) queue(ctx context.Context, m model.PendingMutation, reason string) (SubmitResult, error) {
	stored, err := e.log.Append(ctx, m)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit %s: %w", m.Key(), err)
	}
	e.logger.Debug("mutation deferred", "key", m.Key().String(), "reason", reason)
	return SubmitResult{Queued: true, Mutation: stored}, nil
}

// Discard removes every pending mutation of key ("undo") and returns how
// many were removed.
func (e *Engine) Discard(ctx context.Context, key model.ResourceKey) (int, error) {
	return e.log.Remove(ctx, key)
}

// HasPending reports whether key has pending mutations.
func (e *Engine) HasPending(ctx context.Context, key model.ResourceKey) (bool, error) {
	return e.log.HasPending(ctx, key)
}

// Pending lists pending mutations matching f in insertion order.
func (e *Engine) Pending(ctx context.Context, f offline.Filter) ([]model.PendingMutation, error) {
	return e.log.List(ctx, f)
}

// SyncNow is a user-requested sync of key.
//
// Failures that are neither offline nor blocked are reported as a
// *SyncError matching ErrSyncFailed. A completed run publishes
// events.ManualSynced.
func (e *Engine) SyncNow(ctx context.Context, key model.ResourceKey) (model.SyncResult, error) {
	res, err := e.sync.Sync(ctx, key)
	switch {
	case err == nil:
		e.publisher.Publish(events.NewEvent(events.ManualSynced, key.String(), res.Updated, res.Warnings))
		return res, nil
	case remote.IsOffline(err), syncer.IsBlocked(err), errors.Is(err, context.Canceled):
		return res, err
	default:
		return res, &SyncError{Key: key, Result: res, Err: err}
	}
}

// SyncIfNeeded syncs key unless it was synced within its throttle interval.
func (e *Engine) SyncIfNeeded(ctx context.Context, key model.ResourceKey, force bool) (model.SyncResult, error) {
	return e.sync.SyncIfNeeded(ctx, key, force)
}

// SyncAll syncs every resource with pending mutations matching f.
func (e *Engine) SyncAll(ctx context.Context, f offline.Filter, force bool) (syncer.BatchResult, error) {
	return e.sync.SyncAll(ctx, f, force)
}

// Trigger schedules a background sync of key, run by Run.
// Returns ErrClosed after Close.
func (e *Engine) Trigger(key model.ResourceKey) error {
	if !e.triggers.Enqueue(key) {
		return ErrClosed
	}
	return nil
}

// Run is the background sync loop. It syncs every pending resource when
// connectivity is restored and whenever Run starts online, and drains the
// trigger queue. Failures are logged and swallowed.
//
// Run returns when ctx is done or the engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	changes, unsubscribe := e.oracle.Subscribe()
	defer unsubscribe()

	if e.oracle.IsOnline() {
		e.autoSync(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				e.logger.Info("connectivity restored, syncing pending mutations")
				e.autoSync(ctx)
			}

		case _, ok := <-e.triggers.Wait():
			e.drainTriggers(ctx)
			if !ok {
				return nil
			}
		}
	}
}

// autoSync pushes every pending resource, ignoring throttling: pending data
// should leave the device as soon as it can.
func (e *Engine) autoSync(ctx context.Context) {
	if _, err := e.sync.SyncAll(ctx, offline.Filter{}, true); err != nil {
		e.logger.Warn("automatic sync failed", "error", err)
	}
}

func (e *Engine) drainTriggers(ctx context.Context) {
	for {
		key, ok := e.triggers.TryDequeue()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		res, err := e.sync.Sync(ctx, key)
		if err != nil {
			e.logger.Warn("triggered sync failed", "key", key.String(), "error", err)
			continue
		}
		if !res.Updated {
			continue
		}
		e.publisher.Publish(events.NewEvent(events.AutoSynced, key.String(), res.Updated, res.Warnings))
	}
}

// Close stops Run and closes the database. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.triggers.Close()
		e.closeErr = e.db.Close()
		e.logger.Info("engine closed")
	})
	return e.closeErr
}
