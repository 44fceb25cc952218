package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lmsync/internal/model"
)

// PutCacheEntry inserts or overwrites the cache entry with entry.ID.
// Entries are never partially updated: every column is replaced.
func (s *Store) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("put cache entry: id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ws_cache (id, key, data, expiration_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			data = excluded.data,
			expiration_time = excluded.expiration_time
	`, entry.ID, entry.Key, string(entry.Data), toMillis(entry.ExpirationTime))
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// ReplaceCacheKey deletes every entry sharing entry.Key and then stores entry,
// in one transaction, so the key maps to exactly one current entry.
func (s *Store) ReplaceCacheKey(ctx context.Context, entry model.CacheEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("replace cache key: id is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if entry.Key != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM ws_cache WHERE key = ?`, entry.Key); err != nil {
				return fmt.Errorf("replace cache key: delete: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ws_cache (id, key, data, expiration_time)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				key = excluded.key,
				data = excluded.data,
				expiration_time = excluded.expiration_time
		`, entry.ID, entry.Key, string(entry.Data), toMillis(entry.ExpirationTime))
		if err != nil {
			return fmt.Errorf("replace cache key: insert: %w", err)
		}
		return nil
	})
}

// GetCacheEntry returns the entry with the given id regardless of expiry.
// Returns (entry, false, nil) if no entry exists.
func (s *Store) GetCacheEntry(ctx context.Context, id string) (model.CacheEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, data, expiration_time
		FROM ws_cache
		WHERE id = ?
	`, id)

	entry, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return entry, true, nil
}

// CacheEntriesByKey returns every entry stored under the logical key,
// most recently expiring first, then by id.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) CacheEntriesByKey(ctx context.Context, key string) ([]model.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, data, expiration_time
		FROM ws_cache
		WHERE key = ?
		ORDER BY expiration_time DESC, id COLLATE BINARY ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	entries := []model.CacheEntry{}
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return entries, nil
}

// DeleteCacheEntry deletes the entry with the given id.
// Returns the number of rows removed; deleting a missing id is not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, id string) (int64, error) {
	return s.deleteCache(ctx, "delete cache entry", `DELETE FROM ws_cache WHERE id = ?`, id)
}

// DeleteCacheByKey deletes every entry stored under the logical key.
func (s *Store) DeleteCacheByKey(ctx context.Context, key string) (int64, error) {
	return s.deleteCache(ctx, "delete cache by key", `DELETE FROM ws_cache WHERE key = ?`, key)
}

// DeleteCacheByKeyPrefix deletes every entry whose logical key starts with
// prefix. An empty prefix matches nothing.
func (s *Store) DeleteCacheByKeyPrefix(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, nil
	}
	// instr avoids LIKE wildcard escaping; position 1 means prefix match.
	return s.deleteCache(ctx, "delete cache by prefix", `DELETE FROM ws_cache WHERE instr(key, ?) = 1`, prefix)
}

// DeleteAllCache empties the cache table.
func (s *Store) DeleteAllCache(ctx context.Context) (int64, error) {
	return s.deleteCache(ctx, "delete all cache", `DELETE FROM ws_cache`)
}

func (s *Store) deleteCache(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (model.CacheEntry, error) {
	var (
		entry   model.CacheEntry
		data    string
		expires int64
	)
	if err := row.Scan(&entry.ID, &entry.Key, &data, &expires); err != nil {
		return model.CacheEntry{}, err
	}
	entry.Data = []byte(data)
	entry.ExpirationTime = fromMillis(expires)
	return entry, nil
}
