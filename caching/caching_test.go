package caching

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCachingService_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	svc := NewRedisCachingService(client)

	require.NoError(t, svc.Set(ctx, "user:files:u1", []byte(`[]`), time.Minute))

	got, err := svc.Get(ctx, "user:files:u1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[]`), got)

	require.NoError(t, svc.Delete(ctx, "user:files:u1"))
	_, err = svc.Get(ctx, "user:files:u1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCachingService_Expires(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	svc := NewRedisCachingService(client)

	require.NoError(t, svc.Set(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := svc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNullCachingService_AlwaysMisses(t *testing.T) {
	ctx := context.Background()
	svc := NewNullCachingService()

	require.NoError(t, svc.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := svc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, svc.Delete(ctx, "k"))
}
