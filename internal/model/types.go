package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Params are the arguments of a remote procedure call.
type Params map[string]any

// CacheEntry is one cached remote response.
//
// At most one entry exists per ID. An entry whose ExpirationTime is not after
// the current time is logically absent unless read with omit-expiry semantics.
type CacheEntry struct {
	ID             string          `json:"id"`
	Key            string          `json:"key,omitempty"`
	Data           json.RawMessage `json:"data"`
	ExpirationTime time.Time       `json:"expiration_time"`
}

// Expired reports whether the entry is logically absent at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpirationTime.After(now)
}

// OperationKind is the kind of a pending local mutation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ResourceKey identifies a resource whose pending mutations sync together.
// Owner is empty for resources that are not user-scoped.
type ResourceKey struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`
}

// String renders the key as "type:id" or "type:id:owner".
func (k ResourceKey) String() string {
	if k.Owner == "" {
		return k.Type + ":" + k.ID
	}
	return k.Type + ":" + k.ID + ":" + k.Owner
}

// ParseResourceKey parses the output of ResourceKey.String.
func ParseResourceKey(s string) (ResourceKey, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return ResourceKey{Type: parts[0], ID: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] != "":
		return ResourceKey{Type: parts[0], ID: parts[1], Owner: parts[2]}, nil
	default:
		return ResourceKey{}, fmt.Errorf("invalid resource key %q: want type:id[:owner]", s)
	}
}

// PendingMutation is a local write waiting to be transmitted.
type PendingMutation struct {
	// Seq is the durable insertion order assigned by the store.
	Seq int64 `json:"seq"`

	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	OwnerUserID  string `json:"owner_user_id,omitempty"`

	// EntryKey distinguishes coexisting entries of append-only resources.
	// It is always 0 for replace-policy resources.
	EntryKey int64 `json:"entry_key"`

	// Name is the human-readable label used in sync warnings.
	Name string `json:"name,omitempty"`

	// Method is the remote procedure that transmits the mutation.
	Method string `json:"method"`

	Payload   json.RawMessage `json:"payload"`
	Kind      OperationKind   `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`

	// Revision counts the upserts of the stored row. A row replaced after
	// it was read has a higher revision than the copy that was read.
	Revision int64 `json:"revision"`
}

// Key returns the resource key the mutation belongs to.
func (m PendingMutation) Key() ResourceKey {
	return ResourceKey{Type: m.ResourceType, ID: m.ResourceID, Owner: m.OwnerUserID}
}

// DisplayName returns Name, falling back to the resource key.
func (m PendingMutation) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Key().String()
}

// Params decodes the payload into call parameters.
func (m PendingMutation) Params() (Params, error) {
	if len(m.Payload) == 0 {
		return Params{}, nil
	}
	var p Params
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", m.Key(), err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// SyncResult is the outcome of one synchronization run.
type SyncResult struct {
	Updated  bool     `json:"updated"`
	Warnings []string `json:"warnings"`
}

// Message joins the warnings into one human-readable message.
// Returns an empty string when there are no warnings.
func (r SyncResult) Message() string {
	return strings.Join(r.Warnings, "\n")
}

// SyncState is the persisted record of the last completed run for a key.
type SyncState struct {
	Key          string    `json:"key"`
	LastSyncTime time.Time `json:"last_sync_time"`
	Warnings     []string  `json:"warnings"`
}
