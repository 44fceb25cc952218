package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lmsync/internal/model"
)

func TestSyncState_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetSyncState(ctx, "forum_reply:1:2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSyncState(ctx, model.SyncState{
		Key:          "forum_reply:1:2",
		LastSyncTime: testNow,
		Warnings:     []string{"Re: hi: forbidden"},
	}))

	got, ok, err := s.GetSyncState(ctx, "forum_reply:1:2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, testNow.Equal(got.LastSyncTime))
	assert.Equal(t, []string{"Re: hi: forbidden"}, got.Warnings)

	later := testNow.Add(10 * time.Minute)
	require.NoError(t, s.PutSyncState(ctx, model.SyncState{Key: "forum_reply:1:2", LastSyncTime: later}))

	got, ok, err = s.GetSyncState(ctx, "forum_reply:1:2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, later.Equal(got.LastSyncTime))
	assert.Equal(t, []string{}, got.Warnings)
}

func TestSyncState_Delete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSyncState(ctx, model.SyncState{Key: "k", LastSyncTime: testNow}))
	require.NoError(t, s.DeleteSyncState(ctx, "k"))
	require.NoError(t, s.DeleteSyncState(ctx, "k"))

	_, ok, err := s.GetSyncState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncState_RequiresKey(t *testing.T) {
	s := createTestStore(t)
	assert.Error(t, s.PutSyncState(context.Background(), model.SyncState{LastSyncTime: testNow}))
}
