package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lmsync/internal/model"
)

func TestInvalidator_Keys(t *testing.T) {
	c, clock := newTestCache(t)
	inv := NewInvalidator(c)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	require.NoError(t, c.Put(ctx, entry("1", "a", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("2", "b", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("3", "c", `1`, exp)))

	require.NoError(t, inv.InvalidateKeys(ctx, []string{"a", "b", "", "missing"}))

	_, err := c.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "3")
	assert.NoError(t, err)
}

func TestInvalidator_Resource(t *testing.T) {
	c, clock := newTestCache(t)
	inv := NewInvalidator(c)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	require.NoError(t, c.Put(ctx, entry("d", "mod_forum:discussions:7", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("p1", "mod_forum:posts:7:page0", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("p2", "mod_forum:posts:7:page1", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("other", "mod_forum:discussions:8", `1`, exp)))

	rt := model.ResourceType{
		Name:               "forum_discussion",
		InvalidateKeys:     []string{"mod_forum:discussions:{id}"},
		InvalidatePrefixes: []string{"mod_forum:posts:{id}:"},
	}
	require.NoError(t, inv.InvalidateResource(ctx, rt, model.ResourceKey{Type: rt.Name, ID: "7"}))

	for _, id := range []string{"d", "p1", "p2"} {
		_, err := c.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
	_, err := c.Get(ctx, "other")
	assert.NoError(t, err)
}

func TestInvalidator_Passthrough(t *testing.T) {
	c, clock := newTestCache(t)
	inv := NewInvalidator(c)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	require.NoError(t, c.Put(ctx, entry("1", "k", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("2", "pre:x", `1`, exp)))
	require.NoError(t, c.Put(ctx, entry("3", "z", `1`, exp)))

	require.NoError(t, inv.Invalidate(ctx, "1"))
	require.NoError(t, inv.InvalidatePrefix(ctx, "pre:"))
	_, err := c.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "2")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, inv.InvalidateKey(ctx, "z"))
	_, err = c.Get(ctx, "3")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, inv.InvalidateAll(ctx))
}
