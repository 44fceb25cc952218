// Package offline keeps the durable queue of local mutations waiting to be
// transmitted.
package offline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/store"
)

// Filter selects pending mutations. Empty fields match everything.
type Filter = store.MutationFilter

// ForKey returns a filter matching exactly one resource key.
func ForKey(key model.ResourceKey) Filter {
	return store.ForKey(key)
}

// Log is the Offline Mutation Log of one account.
//
// The uniqueness policy of each resource type comes from the registry:
// PolicyReplace keeps at most one entry per (type, resource, owner);
// PolicyAppend keeps every entry, keyed additionally by creation time.
type Log struct {
	db       *store.Store
	registry *model.Registry
	clock    model.Clock
	logger   *slog.Logger
}

// NewLog returns a log over db. A nil registry treats every type as
// replace-policy.
func NewLog(db *store.Store, registry *model.Registry, clock model.Clock, logger *slog.Logger) *Log {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{db: db, registry: registry, clock: clock, logger: logger}
}

// Registry returns the resource type registry.
func (l *Log) Registry() *model.Registry {
	return l.registry
}

// Append stores m under its resource type's policy and returns it with Seq,
// EntryKey, Method and CreatedAt filled in.
//
// A replace-policy mutation supersedes any pending one for the same key.
// An append-policy mutation with EntryKey 0 becomes a new entry; a non-zero
// EntryKey edits that existing entry.
func (l *Log) Append(ctx context.Context, m model.PendingMutation) (model.PendingMutation, error) {
	rt := l.registry.Lookup(m.ResourceType)

	if m.CreatedAt.IsZero() {
		m.CreatedAt = l.clock.Now()
	}
	if m.Method == "" {
		method, ok := rt.Method(m.Kind)
		if !ok {
			return model.PendingMutation{}, fmt.Errorf("append %s: no %s method for resource type %q", m.Key(), m.Kind, rt.Name)
		}
		m.Method = method
	}

	switch rt.Policy {
	case model.PolicyAppend:
		if m.EntryKey != 0 {
			seq, rev, err := l.db.UpsertMutation(ctx, m)
			if err != nil {
				return model.PendingMutation{}, err
			}
			m.Seq, m.Revision = seq, rev
			break
		}
		m.EntryKey = m.CreatedAt.UnixNano()
		seq, entryKey, err := l.db.AppendMutation(ctx, m)
		if err != nil {
			return model.PendingMutation{}, err
		}
		m.Seq, m.EntryKey = seq, entryKey
	default:
		m.EntryKey = 0
		seq, rev, err := l.db.UpsertMutation(ctx, m)
		if err != nil {
			return model.PendingMutation{}, err
		}
		m.Seq, m.Revision = seq, rev
	}

	l.logger.Info("mutation queued",
		"key", m.Key().String(),
		"kind", m.Kind,
		"policy", rt.Policy,
		"seq", m.Seq,
	)
	return m, nil
}

// List returns matching pending mutations, oldest first.
func (l *Log) List(ctx context.Context, f Filter) ([]model.PendingMutation, error) {
	return l.db.ListMutations(ctx, f)
}

// Get returns one pending entry. Replace-policy entries have entry key 0.
func (l *Log) Get(ctx context.Context, key model.ResourceKey, entryKey int64) (model.PendingMutation, bool, error) {
	return l.db.GetMutation(ctx, key, entryKey)
}

// Remove deletes every pending mutation of key and returns how many were
// removed. Removing nothing is not an error.
func (l *Log) Remove(ctx context.Context, key model.ResourceKey) (int, error) {
	n, err := l.db.DeleteMutations(ctx, key)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Debug("mutations removed", "key", key.String(), "count", n)
	}
	return int(n), nil
}

// RemoveEntry deletes the single pending entry m, as read. It reports false
// when the entry is gone or was replaced by a newer revision since m was
// read; a replacement stays queued.
func (l *Log) RemoveEntry(ctx context.Context, m model.PendingMutation) (bool, error) {
	n, err := l.db.DeleteMutation(ctx, m.Seq, m.Revision)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasPending reports whether key has pending mutations.
func (l *Log) HasPending(ctx context.Context, key model.ResourceKey) (bool, error) {
	n, err := l.db.CountMutations(ctx, ForKey(key))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Keys returns the distinct keys with pending mutations matching f, in the
// order of their oldest pending entry.
func (l *Log) Keys(ctx context.Context, f Filter) ([]model.ResourceKey, error) {
	return l.db.MutationKeys(ctx, f)
}
