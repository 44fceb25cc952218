package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lmsync/internal/config"
	"github.com/roach88/lmsync/internal/remote"
	"github.com/roach88/lmsync/internal/testutil"
)

func TestSessions_LoginLogout(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	s := NewSessions(cfg)
	defer s.Close()

	tr := testutil.NewFakeTransport()
	creds := remote.NewStaticCredentials("t")

	a, err := s.Login("alice", tr, creds)
	require.NoError(t, err)
	again, err := s.Login("alice", tr, creds)
	require.NoError(t, err)
	assert.Same(t, a, again, "one engine per account")

	_, err = s.Login("bob", tr, creds)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, s.Accounts())

	got, ok := s.Get("alice")
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, s.Logout("alice"))
	require.NoError(t, s.Logout("alice"))
	_, ok = s.Get("alice")
	assert.False(t, ok)
	assert.ErrorIs(t, a.Trigger(discussionKey), ErrClosed)

	require.NoError(t, s.Close())
	assert.Empty(t, s.Accounts())
}

func TestSessions_LoginError(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	s := NewSessions(cfg)

	_, err := s.Login("a/b", testutil.NewFakeTransport(), remote.NewStaticCredentials(""))
	require.Error(t, err)
	assert.Empty(t, s.Accounts())
}
