package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supertask/internal/models"
)

var key = models.Key{Namespace: "ns", ID: "job"}

func TestMemoryGuard(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()

	release, ok, err := g.TryAcquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, g.Running())

	_, ok, err = g.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	other, ok, _ := g.TryAcquire(ctx, models.Key{Namespace: "ns2", ID: "job"})
	assert.True(t, ok)
	other()

	release()
	release()
	assert.Equal(t, 0, g.Running())
	_, ok, _ = g.TryAcquire(ctx, key)
	assert.True(t, ok)
}

func newRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "supertask:jobs:", ttl, nil), mr
}

func TestRedisGuardExcludesOtherInstances(t *testing.T) {
	a, mr := newRedis(t, time.Minute)
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "supertask:jobs:", time.Minute, nil)
	ctx := context.Background()

	release, ok, err := a.TryAcquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists(a.key(key)))

	releaseB, ok, err := b.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	g, mr := newRedis(t, time.Minute)
	ctx := context.Background()

	release, ok, err := g.TryAcquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// the lease expired and another process took it
	require.NoError(t, mr.Set(g.key(key), "someone-else"))
	release()
	got, err := mr.Get(g.key(key))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisUnavailable(t *testing.T) {
	g, mr := newRedis(t, time.Minute)
	mr.Close()
	_, ok, err := g.TryAcquire(context.Background(), key)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	local := NewMemory()
	remote, _ := newRedis(t, time.Minute)
	chain := Chain{local, remote}
	ctx := context.Background()

	release, ok, err := chain.TryAcquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	// a remote refusal must undo the local acquisition
	other := NewMemory()
	_, ok, err = Chain{other, remote}.TryAcquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, other.Running())

	release()
	assert.Equal(t, 0, local.Running())
}
