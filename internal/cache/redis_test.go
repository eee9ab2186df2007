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

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromClient(rdb), mr
}

func TestClient_ClaimIsExclusive(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.Claim(ctx, "webhook:inflight:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "webhook:inflight:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = c.Claim(ctx, "webhook:inflight:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim should be available again after TTL")
}

func TestClient_ReleaseAllowsReclaim(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx, "k"))

	ok, err = c.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_Exists(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.Exists(ctx, "fulfillment:order:o-1:tx-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Claim(ctx, "fulfillment:order:o-1:tx-1", time.Minute)
	require.NoError(t, err)
	ok, err = c.Exists(ctx, "fulfillment:order:o-1:tx-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = c.Exists(ctx, "fulfillment:order:o-1:tx-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_SetGet(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.Set(ctx, "p", payload{ID: "tx-1"}, time.Minute))

	var got payload
	require.NoError(t, c.Get(ctx, "p", &got))
	assert.Equal(t, "tx-1", got.ID)

	err := c.Get(ctx, "missing", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}
