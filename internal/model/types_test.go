package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"future", now.Add(time.Second), false},
		{"exactly now", now, true},
		{"past", now.Add(-time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := CacheEntry{ExpirationTime: tt.expires}
			assert.Equal(t, tt.want, e.Expired(now))
		})
	}
}

func TestOperationKind_Valid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, OperationKind("upsert").Valid())
	assert.False(t, OperationKind("").Valid())
}

func TestResourceKey_StringRoundTrip(t *testing.T) {
	keys := []ResourceKey{
		{Type: "forum_reply", ID: "12"},
		{Type: "forum_reply", ID: "12", Owner: "3"},
	}
	for _, k := range keys {
		parsed, err := ParseResourceKey(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestParseResourceKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "forum", "forum:", ":12", "a:b:c:d", "a::c"} {
		_, err := ParseResourceKey(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestPendingMutation_Params(t *testing.T) {
	m := PendingMutation{Payload: json.RawMessage(`{"postid":"5","subject":"Re: hi"}`)}
	p, err := m.Params()
	require.NoError(t, err)
	assert.Equal(t, Params{"postid": "5", "subject": "Re: hi"}, p)

	empty := PendingMutation{}
	p, err = empty.Params()
	require.NoError(t, err)
	assert.Equal(t, Params{}, p)

	bad := PendingMutation{ResourceType: "t", ResourceID: "1", Payload: json.RawMessage(`[1,2]`)}
	_, err = bad.Params()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t:1")
}

func TestPendingMutation_DisplayName(t *testing.T) {
	m := PendingMutation{ResourceType: "forum_reply", ResourceID: "9", OwnerUserID: "2"}
	assert.Equal(t, "forum_reply:9:2", m.DisplayName())

	m.Name = "Re: Welcome"
	assert.Equal(t, "Re: Welcome", m.DisplayName())
}

func TestSyncResult_Message(t *testing.T) {
	assert.Equal(t, "", SyncResult{}.Message())

	r := SyncResult{Warnings: []string{"Post A: forbidden", "Post B: discussion locked"}}
	assert.Equal(t, "Post A: forbidden\nPost B: discussion locked", r.Message())
}

func TestRegistry_LookupAndDefaults(t *testing.T) {
	reg, err := NewRegistry(
		ResourceType{Name: "forum_discussion", Label: "forum", Policy: PolicyAppend},
		ResourceType{Name: "assign_submission"},
	)
	require.NoError(t, err)

	assert.Equal(t, PolicyAppend, reg.Lookup("forum_discussion").Policy)
	assert.Equal(t, PolicyReplace, reg.Lookup("assign_submission").Policy, "empty policy defaults to replace")

	unknown := reg.Lookup("glossary_entry")
	assert.Equal(t, PolicyReplace, unknown.Policy)
	assert.Equal(t, "glossary_entry", unknown.Name)
	assert.False(t, reg.Has("glossary_entry"))

	assert.Equal(t, []string{"assign_submission", "forum_discussion"}, reg.Names())
}

func TestRegistry_Rejects(t *testing.T) {
	_, err := NewRegistry(ResourceType{Name: "a"}, ResourceType{Name: "a"})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry(ResourceType{Name: "a", Policy: "stack"})
	assert.ErrorContains(t, err, "invalid policy")

	_, err = NewRegistry(ResourceType{})
	assert.ErrorContains(t, err, "name is required")
}

func TestResourceType_CacheKeys(t *testing.T) {
	rt := ResourceType{
		InvalidateKeys:     []string{"mod_forum:discussions:{id}", "mod_forum:canadd:{id}:{owner}"},
		InvalidatePrefixes: []string{"mod_forum:posts:{id}:"},
	}
	keys, prefixes := rt.CacheKeys(ResourceKey{Type: "forum_discussion", ID: "7", Owner: "3"})
	assert.Equal(t, []string{"mod_forum:discussions:7", "mod_forum:canadd:7:3"}, keys)
	assert.Equal(t, []string{"mod_forum:posts:7:"}, prefixes)
}

func TestResourceType_Method(t *testing.T) {
	rt := ResourceType{Methods: map[OperationKind]string{OpCreate: "mod_forum_add_discussion", OpDelete: ""}}

	m, ok := rt.Method(OpCreate)
	assert.True(t, ok)
	assert.Equal(t, "mod_forum_add_discussion", m)

	_, ok = rt.Method(OpDelete)
	assert.False(t, ok)
	_, ok = rt.Method(OpUpdate)
	assert.False(t, ok)
}
