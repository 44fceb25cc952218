// Package cache stores remote responses with expiry and invalidates them
// by id, logical key or key prefix.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/store"
)

// ErrNotFound is returned when no live entry matches. An expired entry read
// without omit-expiry semantics is reported the same way.
var ErrNotFound = errors.New("cache entry not found")

// Store is the expiry-aware cache over the account database.
// It holds no retry logic.
type Store struct {
	db     *store.Store
	clock  model.Clock
	logger *slog.Logger
}

// New returns a cache over db. A nil clock uses model.SystemClock and a nil
// logger uses slog.Default().
func New(db *store.Store, clock model.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, clock: clock, logger: logger}
}

// Get returns the live entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.CacheEntry, error) {
	return s.Lookup(ctx, id, false)
}

// Lookup returns the entry with the given id. When omitExpiry is true an
// expired entry is returned as well (emergency path).
func (s *Store) Lookup(ctx context.Context, id string, omitExpiry bool) (model.CacheEntry, error) {
	entry, ok, err := s.db.GetCacheEntry(ctx, id)
	if err != nil {
		return model.CacheEntry{}, fmt.Errorf("cache lookup: %w", err)
	}
	if !ok {
		return model.CacheEntry{}, ErrNotFound
	}
	if !omitExpiry && entry.Expired(s.clock.Now()) {
		return model.CacheEntry{}, ErrNotFound
	}
	return entry, nil
}

// GetByKey returns the live entries stored under key.
func (s *Store) GetByKey(ctx context.Context, key string) ([]model.CacheEntry, error) {
	return s.LookupByKey(ctx, key, false)
}

// LookupByKey returns the entries stored under key, most recently expiring
// first. Expired entries are included only when omitExpiry is true.
func (s *Store) LookupByKey(ctx context.Context, key string, omitExpiry bool) ([]model.CacheEntry, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	entries, err := s.db.CacheEntriesByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup by key: %w", err)
	}

	now := s.clock.Now()
	live := entries[:0]
	for _, e := range entries {
		if omitExpiry || !e.Expired(now) {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return nil, ErrNotFound
	}
	return live, nil
}

// Put stores entry, overwriting any entry with the same id.
func (s *Store) Put(ctx context.Context, entry model.CacheEntry) error {
	if err := s.db.PutCacheEntry(ctx, entry); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// PutUnique stores entry after deleting every entry that shares its key,
// so the key maps to exactly one current entry.
func (s *Store) PutUnique(ctx context.Context, entry model.CacheEntry) error {
	if entry.Key == "" {
		return s.Put(ctx, entry)
	}
	if err := s.db.ReplaceCacheKey(ctx, entry); err != nil {
		return fmt.Errorf("cache put unique: %w", err)
	}
	return nil
}

// Invalidate deletes the entry with the given id.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	n, err := s.db.DeleteCacheEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", id, err)
	}
	s.logger.Debug("cache invalidated", "id", id, "removed", n)
	return nil
}

// InvalidateByKey deletes every entry stored under key.
// An empty key is a no-op.
func (s *Store) InvalidateByKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	n, err := s.db.DeleteCacheByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("invalidate key %s: %w", key, err)
	}
	s.logger.Debug("cache invalidated", "key", key, "removed", n)
	return nil
}

// InvalidateByKeyPrefix deletes every entry whose key starts with prefix.
// An empty prefix is a no-op, never a delete-everything.
func (s *Store) InvalidateByKeyPrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	n, err := s.db.DeleteCacheByKeyPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("invalidate prefix %s: %w", prefix, err)
	}
	s.logger.Debug("cache invalidated", "prefix", prefix, "removed", n)
	return nil
}

// InvalidateAll deletes every cached entry of the account.
func (s *Store) InvalidateAll(ctx context.Context) error {
	n, err := s.db.DeleteAllCache(ctx)
	if err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	s.logger.Info("cache cleared", "removed", n)
	return nil
}
