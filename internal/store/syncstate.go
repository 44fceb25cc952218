package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/lmsync/internal/model"
)

// PutSyncState records the last completed sync run for state.Key.
func (s *Store) PutSyncState(ctx context.Context, state model.SyncState) error {
	if state.Key == "" {
		return fmt.Errorf("put sync state: key is required")
	}
	warnings := state.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("put sync state %s: marshal warnings: %w", state.Key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, last_sync_time, warnings)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			warnings = excluded.warnings
	`, state.Key, toMillis(state.LastSyncTime), string(warningsJSON))
	if err != nil {
		return fmt.Errorf("put sync state %s: %w", state.Key, err)
	}
	return nil
}

// GetSyncState returns the recorded state for key.
// Returns (state, false, nil) if the key never completed a run.
func (s *Store) GetSyncState(ctx context.Context, key string) (model.SyncState, bool, error) {
	var (
		state        model.SyncState
		last         int64
		warningsJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, last_sync_time, warnings
		FROM sync_state
		WHERE key = ?
	`, key).Scan(&state.Key, &last, &warningsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncState{}, false, nil
	}
	if err != nil {
		return model.SyncState{}, false, fmt.Errorf("get sync state %s: %w", key, err)
	}

	state.LastSyncTime = fromMillis(last)
	if err := json.Unmarshal([]byte(warningsJSON), &state.Warnings); err != nil {
		return model.SyncState{}, false, fmt.Errorf("get sync state %s: unmarshal warnings: %w", key, err)
	}
	if state.Warnings == nil {
		state.Warnings = []string{}
	}
	return state, true, nil
}

// DeleteSyncState forgets the recorded state for key.
func (s *Store) DeleteSyncState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete sync state %s: %w", key, err)
	}
	return nil
}
