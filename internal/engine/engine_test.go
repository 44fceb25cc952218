package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lmsync/internal/cache"
	"github.com/roach88/lmsync/internal/config"
	"github.com/roach88/lmsync/internal/connectivity"
	"github.com/roach88/lmsync/internal/events"
	"github.com/roach88/lmsync/internal/executor"
	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/offline"
	"github.com/roach88/lmsync/internal/remote"
	"github.com/roach88/lmsync/internal/testutil"
)

const (
	replyMethod = "mod_forum_add_discussion_post"
	readMethod  = "mod_forum_get_discussion_posts"
)

const testResources = `
resource: forum_reply: {
	label:  "Forum reply"
	policy: "replace"
	methods: create: "mod_forum_add_discussion_post"
	invalidate: keys: ["forum:discussion:{id}"]
}
`

type fixture struct {
	engine    *Engine
	transport *testutil.FakeTransport
	clock     *testutil.FakeClock
	net       *connectivity.Switch
	bus       *events.Bus
	cfg       config.Config
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	defs := filepath.Join(dir, "resources.cue")
	require.NoError(t, os.WriteFile(defs, []byte(testResources), 0o644))

	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Resources = defs
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		transport: testutil.NewFakeTransport(),
		clock:     testutil.NewFakeClock(time.Time{}),
		net:       connectivity.NewSwitch(true),
		bus:       events.NewBus(nil),
		cfg:       cfg,
	}
	e, err := Open(cfg, "student", f.transport, remote.NewStaticCredentials("tok"),
		WithOracle(f.net),
		WithPublisher(f.bus),
		WithClock(f.clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	f.engine = e
	return f
}

var discussionKey = model.ResourceKey{Type: "forum_reply", ID: "7", Owner: "3"}

func reply(message string) model.PendingMutation {
	return model.PendingMutation{
		ResourceType: "forum_reply",
		ResourceID:   "7",
		OwnerUserID:  "3",
		Name:         "Re: Welcome",
		Payload:      json.RawMessage(`{"postid":7,"message":"` + message + `"}`),
		Kind:         model.OpCreate,
	}
}

func (f *fixture) seedDiscussionCache(t *testing.T) string {
	t.Helper()
	id := model.MustCacheID(readMethod, model.Params{"discussionid": 7})
	require.NoError(t, f.engine.Cache().Put(context.Background(), model.CacheEntry{
		ID:             id,
		Key:            "forum:discussion:7",
		Data:           json.RawMessage(`{"posts":[]}`),
		ExpirationTime: f.clock.Now().Add(time.Hour),
	}))
	return id
}

func TestOpen_CreatesAccountDatabase(t *testing.T) {
	f := newFixture(t)
	_, err := os.Stat(filepath.Join(f.cfg.DataDir, "student.db"))
	assert.NoError(t, err)
	assert.Equal(t, "student", f.engine.Account())
	assert.True(t, f.engine.Registry().Has("forum_reply"))
}

func TestOpen_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	_, err := Open(cfg, "../escape", testutil.NewFakeTransport(), remote.NewStaticCredentials(""))
	assert.Error(t, err)

	cfg.Resources = filepath.Join(cfg.DataDir, "missing.cue")
	_, err = Open(cfg, "a", testutil.NewFakeTransport(), remote.NewStaticCredentials(""))
	assert.Error(t, err)

	cfg.Resources = ""
	cfg.CacheTTL = 0
	_, err = Open(cfg, "a", testutil.NewFakeTransport(), remote.NewStaticCredentials(""))
	assert.Error(t, err)
}

func TestSubmit_OnlineSendsAndInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.Respond(replyMethod, `{"postid":99}`)
	cached := f.seedDiscussionCache(t)

	res, err := f.engine.Submit(ctx, reply("hi"))
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.JSONEq(t, `{"postid":99}`, string(res.Data))
	assert.Equal(t, replyMethod, res.Mutation.Method)

	_, err = f.engine.Cache().Get(ctx, cached)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	has, err := f.engine.HasPending(ctx, discussionKey)
	require.NoError(t, err)
	assert.False(t, has)
}

// Offline submit is persisted without any network call.
func TestSubmit_OfflineQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)

	res, err := f.engine.Submit(ctx, reply("M1"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotZero(t, res.Mutation.Seq)
	assert.Equal(t, 0, f.transport.CallCount(""))

	has, err := f.engine.HasPending(ctx, discussionKey)
	require.NoError(t, err)
	assert.True(t, has)
}

// A second offline submit for the same resource replaces the first.
func TestSubmit_OfflineReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)

	_, err := f.engine.Submit(ctx, reply("M1"))
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, reply("M2"))
	require.NoError(t, err)

	pending, err := f.engine.Pending(ctx, offline.ForKey(discussionKey))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"postid":7,"message":"M2"}`, string(pending[0].Payload))
}

func TestSubmit_TransientQueues(t *testing.T) {
	f := newFixture(t)
	f.transport.Fail(replyMethod, remote.Transient(replyMethod, errors.New("timeout")))

	res, err := f.engine.Submit(context.Background(), reply("x"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, f.transport.CallCount(replyMethod))
}

func TestSubmit_RejectedNotQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.Fail(replyMethod, remote.Rejected(replyMethod, "nopermissions", "forbidden"))

	_, err := f.engine.Submit(ctx, reply("x"))
	require.Error(t, err)
	assert.True(t, remote.IsRejected(err))

	has, err := f.engine.HasPending(ctx, discussionKey)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSubmit_QueuesBehindPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)
	_, err := f.engine.Submit(ctx, reply("M1"))
	require.NoError(t, err)

	f.net.Set(true)
	f.transport.Respond(replyMethod, `{}`)
	res, err := f.engine.Submit(ctx, reply("M2"))
	require.NoError(t, err)
	assert.True(t, res.Queued, "order is preserved behind pending mutations")
	assert.Equal(t, 0, f.transport.CallCount(""))
	assert.Equal(t, 1, f.engine.triggers.Len(), "a sync is scheduled")
}

func TestSubmit_OfflineDisabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.OfflineDisabled = true })
	f.net.Set(false)

	_, err := f.engine.Submit(context.Background(), reply("x"))
	require.Error(t, err)
	assert.True(t, remote.IsOffline(err))

	has, err := f.engine.HasPending(context.Background(), discussionKey)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSubmit_UnknownMethod(t *testing.T) {
	f := newFixture(t)
	m := reply("x")
	m.Kind = model.OpDelete

	_, err := f.engine.Submit(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no delete method")
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)
	_, err := f.engine.Submit(ctx, reply("x"))
	require.NoError(t, err)

	n, err := f.engine.Discard(ctx, discussionKey)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err := f.engine.HasPending(ctx, discussionKey)
	require.NoError(t, err)
	assert.False(t, has)
}

// Restored connectivity plus SyncAll transmits the queued mutation.
func TestSyncAll_AfterReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)
	_, err := f.engine.Submit(ctx, reply("M1"))
	require.NoError(t, err)
	cached := f.seedDiscussionCache(t)

	f.net.Set(true)
	f.transport.Respond(replyMethod, `{}`)
	batch, err := f.engine.SyncAll(ctx, offline.Filter{}, false)
	require.NoError(t, err)
	assert.True(t, batch.Updated())

	has, err := f.engine.HasPending(ctx, discussionKey)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = f.engine.Cache().Get(ctx, cached)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestRead_EmergencyCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := model.Params{"discussionid": 7}
	require.NoError(t, f.engine.Cache().Put(ctx, model.CacheEntry{
		ID:             model.MustCacheID(readMethod, params),
		Data:           json.RawMessage(`{"posts":["stale"]}`),
		ExpirationTime: f.clock.Now().Add(-time.Minute),
	}))
	f.transport.Fail(readMethod, remote.Transient(readMethod, errors.New("502")))

	res, err := f.engine.Read(ctx, readMethod, params, executor.ReadPolicy())
	require.NoError(t, err)
	assert.Equal(t, executor.SourceEmergency, res.Source)
	assert.JSONEq(t, `{"posts":["stale"]}`, string(res.Data))
}

func TestSyncNow_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)
	_, err := f.engine.Submit(ctx, reply("x"))
	require.NoError(t, err)
	f.net.Set(true)
	f.transport.Fail(replyMethod, remote.Rejected(replyMethod, "", "forbidden"))

	ch, cancel := f.bus.Subscribe(events.ManualSynced, 1)
	defer cancel()

	res, err := f.engine.SyncNow(ctx, discussionKey)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "Re: Welcome: forbidden", res.Message())

	e := <-ch
	assert.Equal(t, discussionKey.String(), e.Key)
	assert.Equal(t, []string{"Re: Welcome: forbidden"}, e.Warnings)
}

func TestSyncNow_TransientIsSyncFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.net.Set(false)
	_, err := f.engine.Submit(ctx, reply("x"))
	require.NoError(t, err)
	f.net.Set(true)
	f.transport.Fail(replyMethod, remote.Transient(replyMethod, errors.New("reset")))

	_, err = f.engine.SyncNow(ctx, discussionKey)
	require.Error(t, err)
	assert.True(t, IsSyncFailed(err))
	assert.ErrorIs(t, err, ErrSyncFailed)
	assert.True(t, remote.IsTransient(err), "cause stays inspectable")
	assert.Contains(t, err.Error(), "sync error")
}

func TestSyncNow_OfflinePassesThrough(t *testing.T) {
	f := newFixture(t)
	f.net.Set(false)

	_, err := f.engine.SyncNow(context.Background(), discussionKey)
	require.Error(t, err)
	assert.True(t, remote.IsOffline(err))
	assert.False(t, IsSyncFailed(err))
}

func TestRun_SyncsOnReconnect(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.net.Set(false)
	_, err := f.engine.Submit(ctx, reply("x"))
	require.NoError(t, err)
	f.transport.Respond(replyMethod, `{}`)

	ch, unsubscribe := f.bus.Subscribe(events.AutoSynced, 4)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	f.net.Set(true)

	select {
	case e := <-ch:
		assert.Equal(t, discussionKey.String(), e.Key)
		assert.True(t, e.Updated)
	case <-time.After(2 * time.Second):
		t.Fatal("no auto_synced event after reconnect")
	}

	has, err := f.engine.HasPending(context.Background(), discussionKey)
	require.NoError(t, err)
	assert.False(t, has)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_DrainsTriggers(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.transport.Respond(replyMethod, `{}`)

	ch, unsubscribe := f.bus.Subscribe(events.AutoSynced, 4)
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	// Nothing pending: the run changes nothing and publishes no event.
	idle := model.ResourceKey{Type: "forum_reply", ID: "8", Owner: "3"}
	require.NoError(t, f.engine.Trigger(idle))

	_, err := f.engine.Log().Append(ctx, reply("x"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Trigger(discussionKey))
	select {
	case e := <-ch:
		assert.Equal(t, discussionKey.String(), e.Key, "the first event is for the updated key")
		assert.True(t, e.Updated)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger not processed")
	}

	require.NoError(t, f.engine.Close())
	select {
	case err := <-done:
		assert.NoError(t, err, "Run returns nil after Close")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, f.engine.Trigger(discussionKey), ErrClosed)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())
}

func TestSyncError(t *testing.T) {
	cause := remote.Transient("m", errors.New("x"))
	err := error(&SyncError{Key: discussionKey, Err: cause})
	assert.True(t, errors.Is(err, ErrSyncFailed))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsSyncFailed(errors.New("other")))
}
