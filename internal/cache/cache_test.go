package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modelList struct {
	Models []string `json:"models"`
}

func TestMemStoreGetSetExpireInvalidateClear(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemStore(), time.Hour)

	ok, err := c.Get(ctx, "anthropic", &modelList{})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "anthropic", modelList{Models: []string{"claude-3"}}))

	var got modelList
	ok, err = c.Get(ctx, "anthropic", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"claude-3"}, got.Models)

	require.NoError(t, c.Invalidate(ctx, "anthropic"))
	ok, err = c.Get(ctx, "anthropic", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStoreLazyExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemStore(), time.Millisecond)
	require.NoError(t, c.Set(ctx, "k", modelList{Models: []string{"x"}}))
	time.Sleep(5 * time.Millisecond)
	ok, err := c.Get(ctx, "k", &modelList{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemStore(), time.Hour)
	require.NoError(t, c.Set(ctx, "a", modelList{Models: []string{"1"}}))
	require.NoError(t, c.Set(ctx, "b", modelList{Models: []string{"2"}}))
	require.NoError(t, c.Clear(ctx))
	ok, _ := c.Get(ctx, "a", &modelList{})
	assert.False(t, ok)
	ok, _ = c.Get(ctx, "b", &modelList{})
	assert.False(t, ok)
}

func TestRedisStoreAgainstMiniredis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "llmfabric")
	c := New(store, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "google", modelList{Models: []string{"gemini-pro"}}))

	var got modelList
	ok, err := c.Get(ctx, "google", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"gemini-pro"}, got.Models)

	require.NoError(t, c.Set(ctx, "other", modelList{Models: []string{"y"}}))
	require.NoError(t, c.Clear(ctx))
	ok, _ = c.Get(ctx, "google", &got)
	assert.False(t, ok)
	ok, _ = c.Get(ctx, "other", &got)
	assert.False(t, ok)
}
