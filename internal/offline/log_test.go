package offline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/testutil"
)

func testRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg, err := model.NewRegistry(
		model.ResourceType{
			Name:   "forum_reply",
			Policy: model.PolicyReplace,
			Methods: map[model.OperationKind]string{
				model.OpCreate: "mod_forum_add_discussion_post",
			},
		},
		model.ResourceType{
			Name:   "forum_discussion",
			Policy: model.PolicyAppend,
			Methods: map[model.OperationKind]string{
				model.OpCreate: "mod_forum_add_discussion",
			},
		},
	)
	require.NoError(t, err)
	return reg
}

func newTestLog(t *testing.T) (*Log, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	return NewLog(testutil.OpenStore(t), testRegistry(t), clock, nil), clock
}

func reply(id, owner, message string) model.PendingMutation {
	return model.PendingMutation{
		ResourceType: "forum_reply",
		ResourceID:   id,
		OwnerUserID:  owner,
		Name:         "Re: " + id,
		Payload:      json.RawMessage(`{"message":"` + message + `"}`),
		Kind:         model.OpCreate,
	}
}

func TestAppend_FillsDefaults(t *testing.T) {
	log, clock := newTestLog(t)

	m, err := log.Append(context.Background(), reply("5", "2", "hi"))
	require.NoError(t, err)
	assert.NotZero(t, m.Seq)
	assert.Equal(t, "mod_forum_add_discussion_post", m.Method)
	assert.Equal(t, clock.Now(), m.CreatedAt)
	assert.Zero(t, m.EntryKey)
}

func TestAppend_ReplacePolicySupersedes(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, reply("5", "2", "first"))
	require.NoError(t, err)
	_, err = log.Append(ctx, reply("5", "2", "second"))
	require.NoError(t, err)

	list, err := log.List(ctx, ForKey(model.ResourceKey{Type: "forum_reply", ID: "5", Owner: "2"}))
	require.NoError(t, err)
	require.Len(t, list, 1, "at most one pending mutation per resource and owner")
	assert.JSONEq(t, `{"message":"second"}`, string(list[0].Payload))
}

func TestAppend_ReplacePolicyIgnoresEntryKey(t *testing.T) {
	log, _ := newTestLog(t)
	m := reply("5", "2", "x")
	m.EntryKey = 42

	got, err := log.Append(context.Background(), m)
	require.NoError(t, err)
	assert.Zero(t, got.EntryKey)
}

func TestAppend_OwnersAreIndependent(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	_, err := log.Append(ctx, reply("5", "2", "a"))
	require.NoError(t, err)
	_, err = log.Append(ctx, reply("5", "3", "b"))
	require.NoError(t, err)

	list, err := log.List(ctx, Filter{ResourceType: "forum_reply", ResourceID: "5"})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAppend_AppendPolicyCoexists(t *testing.T) {
	log, clock := newTestLog(t)
	ctx := context.Background()

	newDiscussion := func(subject string) model.PendingMutation {
		return model.PendingMutation{
			ResourceType: "forum_discussion",
			ResourceID:   "7",
			OwnerUserID:  "2",
			Name:         subject,
			Payload:      json.RawMessage(`{"subject":"` + subject + `"}`),
			Kind:         model.OpCreate,
		}
	}

	a, err := log.Append(ctx, newDiscussion("a"))
	require.NoError(t, err)
	b, err := log.Append(ctx, newDiscussion("b")) // same clock tick
	require.NoError(t, err)
	clock.Advance(time.Second)
	c, err := log.Append(ctx, newDiscussion("c"))
	require.NoError(t, err)

	assert.NotEqual(t, a.EntryKey, b.EntryKey)
	assert.Greater(t, c.EntryKey, b.EntryKey)

	list, err := log.List(ctx, ForKey(a.Key()))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].Name, list[1].Name, list[2].Name})

	// Editing an existing entry replaces only that entry.
	edit := newDiscussion("b edited")
	edit.EntryKey = b.EntryKey
	_, err = log.Append(ctx, edit)
	require.NoError(t, err)

	list, err = log.List(ctx, ForKey(a.Key()))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "b edited", list[1].Name, "edit keeps position")
}

func TestAppend_UnknownTypeNeedsMethod(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	m := model.PendingMutation{ResourceType: "wiki_page", ResourceID: "1", Kind: model.OpUpdate}
	_, err := log.Append(ctx, m)
	require.Error(t, err)

	m.Method = "mod_wiki_edit_page"
	got, err := log.Append(ctx, m)
	require.NoError(t, err)
	assert.Zero(t, got.EntryKey, "unknown types default to replace")
}

func TestRemoveAndHasPending(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	key := model.ResourceKey{Type: "forum_reply", ID: "5", Owner: "2"}

	has, err := log.HasPending(ctx, key)
	require.NoError(t, err)
	assert.False(t, has)

	m, err := log.Append(ctx, reply("5", "2", "x"))
	require.NoError(t, err)

	has, err = log.HasPending(ctx, key)
	require.NoError(t, err)
	assert.True(t, has)

	got, ok, err := log.Get(ctx, key, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.Seq, got.Seq)

	n, err := log.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = log.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	has, err = log.HasPending(ctx, key)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemoveEntry(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	a, err := log.Append(ctx, reply("5", "2", "a"))
	require.NoError(t, err)
	_, err = log.Append(ctx, reply("6", "2", "b"))
	require.NoError(t, err)

	removed, err := log.RemoveEntry(ctx, a)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = log.RemoveEntry(ctx, a)
	require.NoError(t, err)
	assert.False(t, removed)

	list, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "6", list[0].ResourceID)
}

func TestRemoveEntry_KeepsReplacement(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	sent, err := log.Append(ctx, reply("5", "2", "old"))
	require.NoError(t, err)
	newer, err := log.Append(ctx, reply("5", "2", "new"))
	require.NoError(t, err)
	assert.Equal(t, sent.Seq, newer.Seq)
	assert.Greater(t, newer.Revision, sent.Revision)

	removed, err := log.RemoveEntry(ctx, sent)
	require.NoError(t, err)
	assert.False(t, removed, "the replaced copy must not remove the newer edit")

	list, err := log.List(ctx, ForKey(sent.Key()))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, newer.Payload, list[0].Payload)

	removed, err = log.RemoveEntry(ctx, list[0])
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestKeys_InsertionOrder(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	for _, id := range []string{"9", "3", "9", "1"} {
		_, err := log.Append(ctx, reply(id, "2", id))
		require.NoError(t, err)
	}

	keys, err := log.Keys(ctx, Filter{ResourceType: "forum_reply"})
	require.NoError(t, err)
	assert.Equal(t, []model.ResourceKey{
		{Type: "forum_reply", ID: "9", Owner: "2"},
		{Type: "forum_reply", ID: "3", Owner: "2"},
		{Type: "forum_reply", ID: "1", Owner: "2"},
	}, keys)
}

func TestAppend_ConcurrentReplaceLeavesOne(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(ctx, reply("5", "2", "x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
