package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitgen/internal/testutil"
	"fitgen/pkg/logger"
)

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	c := NewMemory(time.Minute, clock)

	c.Set(ctx, "content:snack:200", []byte(`[1]`))

	got, ok := c.Get(ctx, "content:snack:200")
	require.True(t, ok)
	assert.Equal(t, []byte(`[1]`), got)

	clock.Advance(59 * time.Second)
	_, ok = c.Get(ctx, "content:snack:200")
	assert.True(t, ok, "entry should still be fresh")

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "content:snack:200")
	assert.False(t, ok, "entry should expire at exactly TTL")
	assert.Equal(t, 0, c.Len())
}

func TestMemory_SetCopiesValue(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute, testutil.FixedClock())

	buf := []byte("abc")
	c.Set(ctx, "k", buf)
	buf[0] = 'z'

	got, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(got))
}

func TestMemory_ClearPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute, testutil.FixedClock())

	c.Set(ctx, "content:a", []byte("1"))
	c.Set(ctx, "content:b", []byte("2"))
	c.Set(ctx, "plans:a", []byte("3"))

	c.Clear(ctx, "content:")

	_, ok := c.Get(ctx, "content:a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "plans:a")
	assert.True(t, ok)

	c.Clear(ctx, "")
	assert.Equal(t, 0, c.Len())
}

func TestMemory_SweepsExpiredOnSet(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	c := NewMemory(time.Second, clock)

	c.Set(ctx, "old", []byte("1"))
	clock.Advance(2 * time.Second)
	c.Set(ctx, "new", []byte("2"))

	assert.Equal(t, 1, c.Len())
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, time.Minute, logger.Discard()), mr
}

func TestRedis_GetSetTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Set(ctx, "content:lunch:500", []byte(`{"x":1}`))
	got, ok := c.Get(ctx, "content:lunch:500")
	require.True(t, ok)
	assert.JSONEq(t, `{"x":1}`, string(got))

	mr.FastForward(time.Minute)
	_, ok = c.Get(ctx, "content:lunch:500")
	assert.False(t, ok)
}

func TestRedis_ClearPrefix(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)

	for _, k := range []string{"content:1", "content:2", "content:3", "plans:1"} {
		c.Set(ctx, k, []byte("v"))
	}

	c.Clear(ctx, "content:")

	assert.False(t, mr.Exists("content:1"))
	assert.False(t, mr.Exists("content:3"))
	assert.True(t, mr.Exists("plans:1"))
}

func TestRedis_ErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)
	mr.Close()

	c.Set(ctx, "k", []byte("v"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNew_FallsBackToMemory(t *testing.T) {
	c, rdb, err := New(context.Background(), "", "", time.Minute, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.IsType(t, &Memory{}, c)
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	c, rdb, err := New(context.Background(), mr.Addr(), "", time.Minute, logger.Discard())
	require.NoError(t, err)
	defer rdb.Close()
	assert.IsType(t, &Redis{}, c)
}
