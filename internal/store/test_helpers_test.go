package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/lmsync/internal/model"
)

// createTestStore creates a new temporary store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestMutation creates a replace-policy update with minimal required fields.
func createTestMutation(resourceType, resourceID, owner, payload string) model.PendingMutation {
	return model.PendingMutation{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OwnerUserID:  owner,
		Method:       "mod_test_save",
		Payload:      json.RawMessage(payload),
		Kind:         model.OpUpdate,
		CreatedAt:    testNow,
	}
}

// createTestEntry creates a cache entry expiring ttl after testNow.
func createTestEntry(id, key, data string, ttl time.Duration) model.CacheEntry {
	return model.CacheEntry{
		ID:             id,
		Key:            key,
		Data:           json.RawMessage(data),
		ExpirationTime: testNow.Add(ttl),
	}
}
