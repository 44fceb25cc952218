package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/lmsync/internal/model"
)

// MutationFilter selects pending mutations. Empty fields match everything.
type MutationFilter struct {
	ResourceType string
	ResourceID   string
	OwnerUserID  string
}

// ForKey returns a filter matching exactly one resource key.
func ForKey(key model.ResourceKey) MutationFilter {
	return MutationFilter{ResourceType: key.Type, ResourceID: key.ID, OwnerUserID: key.Owner}
}

func (f MutationFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.OwnerUserID != "" {
		clauses = append(clauses, "owner_user_id = ?")
		args = append(args, f.OwnerUserID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// UpsertMutation stores m and returns its sequence number and revision.
//
// Uniqueness is (resource_type, resource_id, owner_user_id, entry_key).
// A replace-policy caller passes EntryKey 0, so a newer mutation for the same
// resource and owner overwrites the older one in place. The overwritten row
// keeps its seq, so the resource keeps its position in the drain order, and
// its revision is incremented.
func (s *Store) UpsertMutation(ctx context.Context, m model.PendingMutation) (seq, revision int64, err error) {
	payload, err := validateMutation(m)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert mutation: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pending_mutations
		(resource_type, resource_id, owner_user_id, entry_key, name, method, payload, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, resource_id, owner_user_id, entry_key) DO UPDATE SET
			name = excluded.name,
			method = excluded.method,
			payload = excluded.payload,
			kind = excluded.kind,
			created_at = excluded.created_at,
			revision = pending_mutations.revision + 1
		RETURNING seq, revision
	`,
		m.ResourceType,
		m.ResourceID,
		m.OwnerUserID,
		m.EntryKey,
		m.Name,
		m.Method,
		payload,
		string(m.Kind),
		toMillis(m.CreatedAt),
	).Scan(&seq, &revision)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert mutation %s: %w", m.Key(), err)
	}
	return seq, revision, nil
}

// AppendMutation inserts m as a new entry of an append-only resource and
// returns its seq and entry key.
//
// The entry key is m.EntryKey, raised if needed above every existing entry
// key of the resource, so entries created within the same clock tick still
// coexist. The allocation and insert are one statement.
func (s *Store) AppendMutation(ctx context.Context, m model.PendingMutation) (seq, entryKey int64, err error) {
	payload, err := validateMutation(m)
	if err != nil {
		return 0, 0, fmt.Errorf("append mutation: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pending_mutations
		(resource_type, resource_id, owner_user_id, entry_key, name, method, payload, kind, created_at)
		SELECT ?, ?, ?, MAX(?, COALESCE(MAX(entry_key) + 1, 0)), ?, ?, ?, ?, ?
		FROM pending_mutations
		WHERE resource_type = ? AND resource_id = ? AND owner_user_id = ?
		RETURNING seq, entry_key
	`,
		m.ResourceType,
		m.ResourceID,
		m.OwnerUserID,
		m.EntryKey,
		m.Name,
		m.Method,
		payload,
		string(m.Kind),
		toMillis(m.CreatedAt),
		m.ResourceType,
		m.ResourceID,
		m.OwnerUserID,
	).Scan(&seq, &entryKey)
	if err != nil {
		return 0, 0, fmt.Errorf("append mutation %s: %w", m.Key(), err)
	}
	return seq, entryKey, nil
}

// validateMutation checks required fields and returns the payload text.
func validateMutation(m model.PendingMutation) (string, error) {
	if m.ResourceType == "" || m.ResourceID == "" {
		return "", fmt.Errorf("resource type and id are required")
	}
	if !m.Kind.Valid() {
		return "", fmt.Errorf("%s: invalid kind %q", m.Key(), m.Kind)
	}
	if m.Method == "" {
		return "", fmt.Errorf("%s: method is required", m.Key())
	}
	payload := string(m.Payload)
	if payload == "" {
		payload = "{}"
	}
	return payload, nil
}

// ListMutations returns matching pending mutations ordered by seq.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListMutations(ctx context.Context, f MutationFilter) ([]model.PendingMutation, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, resource_type, resource_id, owner_user_id, entry_key, name, method, payload, kind, created_at, revision
		FROM pending_mutations
		`+where+`
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	mutations := []model.PendingMutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return mutations, nil
}

// GetMutation returns one pending mutation by resource key and entry key.
// Returns (mutation, false, nil) if it does not exist.
func (s *Store) GetMutation(ctx context.Context, key model.ResourceKey, entryKey int64) (model.PendingMutation, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, resource_type, resource_id, owner_user_id, entry_key, name, method, payload, kind, created_at, revision
		FROM pending_mutations
		WHERE resource_type = ? AND resource_id = ? AND owner_user_id = ? AND entry_key = ?
	`, key.Type, key.ID, key.Owner, entryKey)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PendingMutation{}, false, nil
	}
	if err != nil {
		return model.PendingMutation{}, false, fmt.Errorf("get mutation %s: %w", key, err)
	}
	return m, true, nil
}

// CountMutations returns the number of pending mutations matching f.
func (s *Store) CountMutations(ctx context.Context, f MutationFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return n, nil
}

// MutationKeys returns the distinct resource keys with pending mutations
// matching f, ordered by their oldest pending entry.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) MutationKeys(ctx context.Context, f MutationFilter) ([]model.ResourceKey, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, resource_id, owner_user_id, MIN(seq) AS first_seq
		FROM pending_mutations
		`+where+`
		GROUP BY resource_type, resource_id, owner_user_id
		ORDER BY first_seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutation keys: %w", err)
	}
	defer rows.Close()

	keys := []model.ResourceKey{}
	for rows.Next() {
		var (
			k     model.ResourceKey
			first int64
		)
		if err := rows.Scan(&k.Type, &k.ID, &k.Owner, &first); err != nil {
			return nil, fmt.Errorf("scan mutation key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutation keys: %w", err)
	}
	return keys, nil
}

// DeleteMutations removes every pending mutation of key.
// Returns the number of rows removed.
func (s *Store) DeleteMutations(ctx context.Context, key model.ResourceKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_mutations
		WHERE resource_type = ? AND resource_id = ? AND owner_user_id = ?
	`, key.Type, key.ID, key.Owner)
	if err != nil {
		return 0, fmt.Errorf("delete mutations %s: %w", key, err)
	}
	return res.RowsAffected()
}

// DeleteMutation removes the pending mutation with the given seq, but only
// while it is still at revision. A row replaced since it was read is kept.
// Returns the number of rows removed; deleting a missing or replaced row is
// not an error.
func (s *Store) DeleteMutation(ctx context.Context, seq, revision int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_mutations
		WHERE seq = ? AND revision = ?
	`, seq, revision)
	if err != nil {
		return 0, fmt.Errorf("delete mutation %d: %w", seq, err)
	}
	return res.RowsAffected()
}

func scanMutation(row rowScanner) (model.PendingMutation, error) {
	var (
		m       model.PendingMutation
		payload string
		kind    string
		created int64
	)
	err := row.Scan(
		&m.Seq,
		&m.ResourceType,
		&m.ResourceID,
		&m.OwnerUserID,
		&m.EntryKey,
		&m.Name,
		&m.Method,
		&payload,
		&kind,
		&created,
		&m.Revision,
	)
	if err != nil {
		return model.PendingMutation{}, err
	}
	m.Payload = []byte(payload)
	m.Kind = model.OperationKind(kind)
	m.CreatedAt = fromMillis(created)
	return m, nil
}
