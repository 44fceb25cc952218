// Package syncer reconciles pending offline mutations with the server.
//
// The Coordinator keeps at most one run per resource key in flight.
// Concurrent callers for the same key share the run and its result. A run
// drains the key's pending mutations in insertion order through the
// executor's write path and stops at the first failure that is not a
// definitive rejection, leaving the rest queued.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/lmsync/internal/cache"
	"github.com/roach88/lmsync/internal/connectivity"
	"github.com/roach88/lmsync/internal/events"
	"github.com/roach88/lmsync/internal/executor"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/offline"
	"github.com/roach88/lmsync/internal/remote"
	"github.com/roach88/lmsync/internal/store"
)

const (
	// DefaultThrottle is the minimum interval between runs of SyncIfNeeded
	// for one key.
	DefaultThrottle = 5 * time.Minute

	// DefaultConcurrency bounds how many keys SyncAll runs at once.
	DefaultConcurrency = 4
)

// Coordinator deduplicates and executes sync runs.
type Coordinator struct {
	log       *offline.Log
	exec      *executor.Executor
	inval     *cache.Invalidator
	db        *store.Store
	oracle    connectivity.Oracle
	publisher events.Publisher
	clock     model.Clock
	logger    *slog.Logger

	throttle    time.Duration
	concurrency int

	group singleflight.Group

	mu      sync.Mutex
	running map[string]int
	blocked map[string]map[string]int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOracle sets the connectivity oracle. Without one the device is
// assumed online.
func WithOracle(o connectivity.Oracle) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.oracle = o
		}
	}
}

// WithPublisher sets where SyncAll publishes completion events.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithClock sets the clock used for sync times and throttling.
func WithClock(clock model.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithThrottle sets the default SyncIfNeeded interval.
// Resource types may override it. Non-positive values keep DefaultThrottle.
func WithThrottle(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.throttle = d
		}
	}
}

// WithConcurrency bounds SyncAll fan-out. Values below 1 keep
// DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Coordinator draining log through exec.
// Sync times and warnings are persisted in db.
func New(log *offline.Log, exec *executor.Executor, inval *cache.Invalidator, db *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:         log,
		exec:        exec,
		inval:       inval,
		db:          db,
		oracle:      connectivity.Always(true),
		publisher:   events.Nop{},
		clock:       model.SystemClock{},
		logger:      slog.Default(),
		throttle:    DefaultThrottle,
		concurrency: DefaultConcurrency,
		running:     make(map[string]int),
		blocked:     make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sync runs synchronization for key, or joins the run already in flight.
//
// The run executes under a context detached from ctx: a caller that stops
// waiting gets ctx.Err() while the run completes for the others.
func (c *Coordinator) Sync(ctx context.Context, key model.ResourceKey) (model.SyncResult, error) {
	k := key.String()
	runCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (any, error) {
		return c.run(runCtx, key)
	})

	select {
	case <-ctx.Done():
		return model.SyncResult{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(model.SyncResult)
		if r.Shared {
			c.logger.Debug("joined in-flight sync", "key", k)
		}
		return copyResult(res), r.Err
	}
}

// IsSyncing reports whether a run for key is in flight.
func (c *Coordinator) IsSyncing(key model.ResourceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[key.String()] > 0
}

// SyncIfNeeded runs Sync only when force is set or the key's throttle
// interval has elapsed since its last completed run. A skipped call returns
// an empty result and performs no network activity.
func (c *Coordinator) SyncIfNeeded(ctx context.Context, key model.ResourceKey, force bool) (model.SyncResult, error) {
	if !force {
		needed, err := c.NeedsSync(ctx, key)
		if err != nil {
			return model.SyncResult{}, err
		}
		if !needed {
			c.logger.Debug("sync throttled", "key", key.String())
			return emptyResult(), nil
		}
	}
	return c.Sync(ctx, key)
}

// NeedsSync reports whether the throttle interval for key has elapsed, or
// key never completed a run.
func (c *Coordinator) NeedsSync(ctx context.Context, key model.ResourceKey) (bool, error) {
	state, ok, err := c.db.GetSyncState(ctx, key.String())
	if err != nil {
		return false, fmt.Errorf("sync state %s: %w", key, err)
	}
	if !ok || state.LastSyncTime.IsZero() {
		return true, nil
	}
	return c.clock.Now().Sub(state.LastSyncTime) > c.throttleFor(key), nil
}

// LastSyncTime returns when key last completed a run, or the zero time.
func (c *Coordinator) LastSyncTime(ctx context.Context, key model.ResourceKey) (time.Time, error) {
	state, _, err := c.db.GetSyncState(ctx, key.String())
	if err != nil {
		return time.Time{}, fmt.Errorf("sync state %s: %w", key, err)
	}
	return state.LastSyncTime, nil
}

// Warnings returns the warnings recorded by the last completed run of key.
func (c *Coordinator) Warnings(ctx context.Context, key model.ResourceKey) ([]string, error) {
	state, ok, err := c.db.GetSyncState(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("sync state %s: %w", key, err)
	}
	if !ok || state.Warnings == nil {
		return []string{}, nil
	}
	return state.Warnings, nil
}

// KeyResult is the outcome of one key within SyncAll.
type KeyResult struct {
	Key    model.ResourceKey
	Result model.SyncResult
	Err    error

	// Skipped is set when the key was throttled or blocked.
	Skipped bool
}

// BatchResult aggregates a SyncAll pass.
type BatchResult struct {
	Keys []KeyResult
}

// Updated reports whether any key was updated.
func (b BatchResult) Updated() bool {
	for _, r := range b.Keys {
		if r.Result.Updated {
			return true
		}
	}
	return false
}

// Warnings returns every key's warnings in key order.
func (b BatchResult) Warnings() []string {
	out := []string{}
	for _, r := range b.Keys {
		out = append(out, r.Result.Warnings...)
	}
	return out
}

// Err joins the per-key failures.
func (b BatchResult) Err() error {
	var errs []error
	for _, r := range b.Keys {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// SyncAll syncs every key with pending mutations matching f, at most
// WithConcurrency keys at a time. Blocked keys are skipped; throttled keys
// are skipped unless force is set.
//
// One events.AutoSynced event is published per key whose run completed and
// updated something.
// Failures of individual keys do not stop the others; they are joined in
// the returned error.
func (c *Coordinator) SyncAll(ctx context.Context, f offline.Filter, force bool) (BatchResult, error) {
	if !c.oracle.IsOnline() {
		return BatchResult{}, remote.Offline("")
	}

	keys, err := c.log.Keys(ctx, f)
	if err != nil {
		return BatchResult{}, fmt.Errorf("sync all: %w", err)
	}

	results := make([]KeyResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, key := range keys {
		results[i].Key = key
		g.Go(func() error {
			results[i] = c.syncOne(gctx, key, force)
			return nil
		})
	}
	_ = g.Wait()

	batch := BatchResult{Keys: results}
	err = batch.Err()
	if err != nil {
		c.logger.Warn("sync all finished with failures", "keys", len(keys), "error", err)
	} else {
		c.logger.Info("sync all finished", "keys", len(keys), "updated", batch.Updated())
	}
	return batch, err
}

func (c *Coordinator) syncOne(ctx context.Context, key model.ResourceKey, force bool) KeyResult {
	kr := KeyResult{Key: key}
	if c.IsBlocked(key) {
		c.logger.Debug("sync all: key blocked, skipping", "key", key.String())
		kr.Skipped = true
		return kr
	}
	if !force {
		needed, err := c.NeedsSync(ctx, key)
		if err != nil {
			kr.Err = err
			return kr
		}
		if !needed {
			kr.Skipped = true
			return kr
		}
	}

	kr.Result, kr.Err = c.Sync(ctx, key)
	if kr.Err != nil {
		if IsBlocked(kr.Err) {
			// Blocked between the check and the run.
			kr.Err, kr.Skipped = nil, true
		}
		return kr
	}
	if !kr.Result.Updated {
		return kr
	}
	// The run has left the run table once Sync returns.
	c.publisher.Publish(events.NewEvent(events.AutoSynced, key.String(), kr.Result.Updated, kr.Result.Warnings))
	return kr
}

// Block prevents key from syncing while operation is in progress (for
// instance while the user edits the resource). Blocks nest: each Block must
// be matched by one Unblock.
func (c *Coordinator) Block(key model.ResourceKey, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key.String()
	if c.blocked[k] == nil {
		c.blocked[k] = make(map[string]int)
	}
	c.blocked[k][operation]++
}

// Unblock releases one Block of key by operation.
func (c *Coordinator) Unblock(key model.ResourceKey, operation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key.String()
	ops := c.blocked[k]
	if ops == nil {
		return
	}
	if ops[operation]--; ops[operation] <= 0 {
		delete(ops, operation)
	}
	if len(ops) == 0 {
		delete(c.blocked, k)
	}
}

// IsBlocked reports whether any operation blocks key.
func (c *Coordinator) IsBlocked(key model.ResourceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocked[key.String()]) > 0
}

func (c *Coordinator) blockingOperation(key model.ResourceKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := c.blocked[key.String()]
	if len(ops) == 0 {
		return "", false
	}
	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)
	return names[0], true
}

// run is one sync run. It is only called through the singleflight group.
func (c *Coordinator) run(ctx context.Context, key model.ResourceKey) (model.SyncResult, error) {
	k := key.String()
	c.mu.Lock()
	c.running[k]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.running[k]--; c.running[k] == 0 {
			delete(c.running, k)
		}
		c.mu.Unlock()
	}()

	log := c.logger.With("key", k, "run_id", newRunID())
	result := emptyResult()

	if op, blocked := c.blockingOperation(key); blocked {
		return result, &BlockedError{Key: key, Operation: op}
	}
	if !c.oracle.IsOnline() {
		return result, remote.Offline("")
	}

	rt := c.log.Registry().Lookup(key.Type)
	started := false

	// Mutations queued or replaced while a pass is transmitting are picked
	// up by the next pass; the run ends when a pass finds the queue empty.
	for {
		pending, err := c.log.List(ctx, offline.ForKey(key))
		if err != nil {
			return result, fmt.Errorf("sync %s: %w", key, err)
		}
		if !started {
			log.Info("sync started", "pending", len(pending))
			started = true
		}
		if len(pending) == 0 {
			break
		}

		for _, m := range pending {
			err := c.transmit(ctx, m)
			if err == nil || remote.IsRejected(err) {
				removed, rerr := c.log.RemoveEntry(ctx, m)
				if rerr != nil {
					return result, fmt.Errorf("sync %s: %w", key, rerr)
				}
				if !removed {
					log.Debug("mutation replaced during sync, kept", "seq", m.Seq, "revision", m.Revision)
				}
				result.Updated = true
				if err != nil {
					warning := m.DisplayName() + ": " + remote.Reason(err)
					result.Warnings = append(result.Warnings, warning)
					log.Warn("mutation rejected, discarded", "seq", m.Seq, "reason", remote.Reason(err))
				}
				continue
			}

			// Not definitive: keep this and every later mutation queued.
			if result.Updated {
				c.invalidate(ctx, log, rt, key)
			}
			log.Info("sync stopped", "seq", m.Seq, "kind", remote.KindOf(err), "error", err)
			return result, fmt.Errorf("sync %s: %w", key, err)
		}
	}

	c.invalidate(ctx, log, rt, key)

	state := model.SyncState{Key: k, LastSyncTime: c.clock.Now(), Warnings: result.Warnings}
	if err := c.db.PutSyncState(ctx, state); err != nil {
		return result, fmt.Errorf("sync %s: %w", key, err)
	}
	log.Info("sync finished", "updated", result.Updated, "warnings", len(result.Warnings))
	return result, nil
}

// transmit sends one mutation through the executor's write path.
// An undecodable payload can never succeed and is reported as rejected.
func (c *Coordinator) transmit(ctx context.Context, m model.PendingMutation) error {
	params, err := m.Params()
	if err != nil {
		return remote.Rejected(m.Method, "invalidpayload", err.Error())
	}
	_, err = c.exec.Execute(ctx, m.Method, params, executor.WritePolicy())
	return err
}

func (c *Coordinator) invalidate(ctx context.Context, log *slog.Logger, rt model.ResourceType, key model.ResourceKey) {
	if err := c.inval.InvalidateResource(ctx, rt, key); err != nil {
		log.Error("cache invalidation failed", "error", err)
	}
}

func (c *Coordinator) throttleFor(key model.ResourceKey) time.Duration {
	if rt := c.log.Registry().Lookup(key.Type); rt.Throttle > 0 {
		return rt.Throttle
	}
	return c.throttle
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func emptyResult() model.SyncResult {
	return model.SyncResult{Warnings: []string{}}
}

// copyResult gives each caller of a shared run its own warnings slice.
func copyResult(r model.SyncResult) model.SyncResult {
	w := make([]string, len(r.Warnings))
	copy(w, r.Warnings)
	r.Warnings = w
	return r
}
