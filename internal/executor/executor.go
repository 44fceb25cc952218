// Package executor turns a remote procedure call into a cached,
// retry-aware, offline-tolerant operation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lmsync/internal/cache"
	"github.com/roach88/lmsync/internal/connectivity"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/remote"
)

// DefaultTTL is how long a cached response stays live.
const DefaultTTL = 5 * time.Minute

// Source tells where a result came from.
type Source string

const (
	SourceCache     Source = "cache"
	SourceRemote    Source = "remote"
	SourceEmergency Source = "emergency"
)

// Result is the payload of a successful Do.
type Result struct {
	Data   json.RawMessage
	Source Source
}

// Executor issues remote calls through the cache.
type Executor struct {
	transport       remote.Transport
	creds           remote.CredentialSource
	cache           *cache.Store
	oracle          connectivity.Oracle
	clock           model.Clock
	ttl             time.Duration
	offlineDisabled bool
	logger          *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTTL sets how long saved responses stay live. Non-positive values keep
// DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(e *Executor) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithClock sets the clock used for expiry.
func WithClock(c model.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithOracle sets the connectivity oracle. Without one, the device is
// assumed online and offline failures come from the transport only.
func WithOracle(o connectivity.Oracle) Option {
	return func(e *Executor) { e.oracle = o }
}

// WithOfflineDisabled disables every offline feature: the cache is neither
// read nor written and calls while offline fail fast.
func WithOfflineDisabled(disabled bool) Option {
	return func(e *Executor) { e.offlineDisabled = disabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Executor calling transport with credentials from creds and
// caching in c.
func New(transport remote.Transport, creds remote.CredentialSource, c *cache.Store, opts ...Option) *Executor {
	e := &Executor{
		transport: transport,
		creds:     creds,
		cache:     c,
		clock:     model.SystemClock{},
		ttl:       DefaultTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs method with params under policy and returns the payload.
func (e *Executor) Execute(ctx context.Context, method string, params model.Params, p Policy) (json.RawMessage, error) {
	res, err := e.Do(ctx, method, params, p)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Do is Execute, also reporting where the payload came from.
//
// Failures are returned as *remote.Error (possibly wrapped). A rejected
// failure is never resolved from cache; the remote is invoked at most twice,
// the second time only after an authentication refresh.
func (e *Executor) Do(ctx context.Context, method string, params model.Params, p Policy) (Result, error) {
	id, err := model.CacheID(method, params)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s: %w", method, err)
	}
	log := e.logger.With("method", method)

	useCache := !e.offlineDisabled
	if useCache && p.UseCache {
		if entry, ok := e.fromCache(ctx, id, p.CacheKey, p.GetCacheUsingCacheKey, p.OmitExpiry); ok {
			log.Debug("cache hit", "id", entry.ID)
			return Result{Data: entry.Data, Source: SourceCache}, nil
		}
		log.Debug("cache miss", "id", id)
	}

	data, err := e.call(ctx, method, params, false)
	if err == nil {
		if useCache && p.SaveToCache {
			e.save(ctx, id, data, p)
		}
		return Result{Data: data, Source: SourceRemote}, nil
	}

	if remote.IsRejected(err) {
		if p.DeleteCacheIfRejected && useCache {
			if derr := e.cache.Invalidate(ctx, id); derr != nil {
				log.Warn("delete rejected cache entry failed", "error", derr)
			}
		}
		return Result{}, err
	}

	if !useCache || !p.EmergencyCacheAllowed {
		log.Debug("remote call failed, emergency cache forbidden", "error", err)
		return Result{}, err
	}

	entry, ok := e.fromCache(ctx, id, p.CacheKey, p.GetEmergencyCacheUsingCacheKey, true)
	if !ok {
		return Result{}, err
	}
	log.Warn("remote call failed, using emergency cache",
		"id", entry.ID,
		"expired_at", entry.ExpirationTime,
		"error", err,
	)
	return Result{Data: entry.Data, Source: SourceEmergency}, nil
}

// call invokes the transport, refreshing credentials and retrying once when
// they expired. retrying prevents a second refresh.
func (e *Executor) call(ctx context.Context, method string, params model.Params, retrying bool) (json.RawMessage, error) {
	if e.oracle != nil && !e.oracle.IsOnline() {
		return nil, remote.Offline(method)
	}

	var (
		creds remote.Credentials
		err   error
	)
	if retrying {
		creds, err = e.creds.Refresh(ctx)
	} else {
		creds, err = e.creds.Credentials(ctx)
	}
	if err != nil {
		return nil, &remote.Error{Kind: remote.KindAuthExpired, Method: method, Message: "credentials unavailable", Err: err}
	}

	data, err := e.transport.Call(ctx, method, params, creds)
	if err == nil {
		return data, nil
	}
	if remote.IsAuthExpired(err) && !retrying {
		e.logger.Info("credentials expired, refreshing", "method", method)
		return e.call(ctx, method, params, true)
	}
	return nil, err
}

func (e *Executor) save(ctx context.Context, id string, data json.RawMessage, p Policy) {
	entry := model.CacheEntry{
		ID:             id,
		Key:            p.CacheKey,
		Data:           data,
		ExpirationTime: e.clock.Now().Add(e.ttl),
	}
	var err error
	if p.UniqueCacheKey && p.CacheKey != "" {
		err = e.cache.PutUnique(ctx, entry)
	} else {
		err = e.cache.Put(ctx, entry)
	}
	if err != nil {
		// The response is still valid; only the next read loses the cache.
		e.logger.Warn("cache save failed", "id", id, "error", err)
	}
}

// fromCache returns the entry for id, or, when byKey is set, the best entry
// stored under key (the one matching id if present).
func (e *Executor) fromCache(ctx context.Context, id, key string, byKey, omitExpiry bool) (model.CacheEntry, bool) {
	if byKey && key != "" {
		entries, err := e.cache.LookupByKey(ctx, key, omitExpiry)
		if err != nil {
			e.logCacheError(err, "key", key)
			return model.CacheEntry{}, false
		}
		for _, entry := range entries {
			if entry.ID == id {
				return entry, true
			}
		}
		return entries[0], true
	}

	entry, err := e.cache.Lookup(ctx, id, omitExpiry)
	if err != nil {
		e.logCacheError(err, "id", id)
		return model.CacheEntry{}, false
	}
	return entry, true
}

func (e *Executor) logCacheError(err error, attrs ...any) {
	if errors.Is(err, cache.ErrNotFound) {
		return
	}
	e.logger.Error("cache read failed", append(attrs, "error", err)...)
}
