package cache

import (
	"context"
	"errors"

	"github.com/roach88/lmsync/internal/model"
)

// Invalidator lets any write invalidate related cache entries.
//
// It is a direct synchronous fan-out over the Store, not a queue: readers
// simply miss on their next read. Nothing registers with it.
type Invalidator struct {
	cache *Store
}

// NewInvalidator returns an Invalidator over c.
func NewInvalidator(c *Store) *Invalidator {
	return &Invalidator{cache: c}
}

// Invalidate deletes one entry by id.
func (i *Invalidator) Invalidate(ctx context.Context, id string) error {
	return i.cache.Invalidate(ctx, id)
}

// InvalidateKey deletes every entry stored under key.
func (i *Invalidator) InvalidateKey(ctx context.Context, key string) error {
	return i.cache.InvalidateByKey(ctx, key)
}

// InvalidateKeys deletes every entry stored under any of keys.
// All keys are attempted; errors are joined.
func (i *Invalidator) InvalidateKeys(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := i.cache.InvalidateByKey(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidatePrefix deletes every entry whose key starts with prefix.
func (i *Invalidator) InvalidatePrefix(ctx context.Context, prefix string) error {
	return i.cache.InvalidateByKeyPrefix(ctx, prefix)
}

// InvalidateAll deletes every cached entry.
func (i *Invalidator) InvalidateAll(ctx context.Context) error {
	return i.cache.InvalidateAll(ctx)
}

// InvalidateResource expands the resource type's templates for key and
// invalidates the resulting keys and prefixes.
func (i *Invalidator) InvalidateResource(ctx context.Context, rt model.ResourceType, key model.ResourceKey) error {
	keys, prefixes := rt.CacheKeys(key)
	errs := []error{i.InvalidateKeys(ctx, keys)}
	for _, p := range prefixes {
		errs = append(errs, i.cache.InvalidateByKeyPrefix(ctx, p))
	}
	return errors.Join(errs...)
}
