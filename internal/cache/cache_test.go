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

func newTestFacade(t *testing.T) (*Facade, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := NewWithClient(rdb, "test:")
	t.Cleanup(func() { _ = f.Shutdown() })
	return f, mr
}

func TestGetSetDelete(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	_, ok := f.Get(ctx, "missing")
	assert.False(t, ok)

	require.True(t, f.Set(ctx, "k", []byte("v"), time.Minute))
	val, ok := f.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	require.True(t, f.Delete(ctx, "k"))
	_, ok = f.Get(ctx, "k")
	assert.False(t, ok)
}

func TestJSONRoundTrip(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	type entry struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
	}
	require.True(t, f.SetJSON(ctx, "e", entry{Name: "fp-A", Score: 50}, time.Minute))

	var got entry
	require.True(t, f.GetJSON(ctx, "e", &got))
	assert.Equal(t, "fp-A", got.Name)
	assert.Equal(t, 50, got.Score)
}

func TestDeletePattern(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	for _, k := range []string{"device:a:trust", "device:a:threat", "device:b:trust", "report:1"} {
		require.True(t, f.Set(ctx, k, []byte("x"), time.Minute))
	}

	deleted := f.DeletePattern(ctx, "device:a:*")
	assert.Equal(t, 2, deleted)

	_, ok := f.Get(ctx, "device:a:trust")
	assert.False(t, ok)
	_, ok = f.Get(ctx, "device:b:trust")
	assert.True(t, ok)
	_, ok = f.Get(ctx, "report:1")
	assert.True(t, ok)
}

func TestSortedSetQueue(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	require.True(t, f.ZAdd(ctx, "queue", "low", 3000))
	require.True(t, f.ZAdd(ctx, "queue", "critical", 100))
	require.True(t, f.ZAdd(ctx, "queue", "high", 1000))
	assert.Equal(t, int64(3), f.ZCard(ctx, "queue"))

	popped := f.ZPopMin(ctx, "queue", 2)
	require.Len(t, popped, 2)
	assert.Equal(t, "critical", popped[0].Member)
	assert.Equal(t, "high", popped[1].Member)
	assert.Equal(t, int64(1), f.ZCard(ctx, "queue"))
}

func TestDeadLetterList(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	require.True(t, f.LPush(ctx, "dead", "job-1"))
	require.True(t, f.LPush(ctx, "dead", "job-2", "job-3"))
	assert.Len(t, f.LRange(ctx, "dead", 0, -1), 3)

	require.True(t, f.LRem(ctx, "dead", 0, "job-2"))
	assert.Len(t, f.LRange(ctx, "dead", 0, -1), 2)

	require.True(t, f.LTrim(ctx, "dead", 0, 0))
	assert.Len(t, f.LRange(ctx, "dead", 0, -1), 1)
}

func TestRateLimit(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _ := f.CheckRateLimit(ctx, "ip:abc", 3, time.Minute)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}
	allowed, remaining := f.CheckRateLimit(ctx, "ip:abc", 3, time.Minute)
	assert.False(t, allowed)
	assert.Equal(t, int64(0), remaining)
}

func TestDistributedLock(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	token, ok := f.AcquireLock(ctx, "analysis:coordinated", 30*time.Second, 0)
	require.True(t, ok)
	require.NotEmpty(t, token)

	// Second acquire must fail while held.
	_, ok = f.AcquireLock(ctx, "analysis:coordinated", 30*time.Second, 0)
	assert.False(t, ok)

	// Release with the wrong token is a no-op.
	assert.False(t, f.ReleaseLock(ctx, "analysis:coordinated", "bogus"))
	assert.True(t, f.ReleaseLock(ctx, "analysis:coordinated", token))

	_, ok = f.AcquireLock(ctx, "analysis:coordinated", 30*time.Second, 0)
	assert.True(t, ok)
}

func TestVersionedNamespaces(t *testing.T) {
	f, _ := newTestFacade(t)
	ctx := context.Background()

	v1 := f.NamespaceVersion(ctx, "reports")
	assert.Equal(t, int64(1), v1)

	k1 := f.VersionedKey(ctx, "reports", "dashboard")
	require.True(t, f.Set(ctx, k1, []byte("payload"), time.Minute))
	_, ok := f.Get(ctx, k1)
	require.True(t, ok)

	// Bump: every key embedding the prior version now misses, no deletes.
	v2 := f.BumpNamespace(ctx, "reports")
	assert.Equal(t, v1+1, v2)

	k2 := f.VersionedKey(ctx, "reports", "dashboard")
	assert.NotEqual(t, k1, k2)
	_, ok = f.Get(ctx, k2)
	assert.False(t, ok)

	// Old-version key is still physically present, just unreachable.
	_, ok = f.Get(ctx, k1)
	assert.True(t, ok)

	// Writes at the new version hit.
	require.True(t, f.Set(ctx, k2, []byte("fresh"), time.Minute))
	val, ok := f.Get(ctx, k2)
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), val)
}

func TestDegradedMode(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := NewWithClient(rdb, "test:")

	ctx := context.Background()
	require.True(t, f.Set(ctx, "k", []byte("v"), time.Minute))

	// Simulate outage: operations must degrade, never error out.
	mr.Close()
	f.Set(ctx, "x", []byte("y"), time.Minute) // first op notices the outage

	_, ok := f.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, f.Set(ctx, "k2", []byte("v"), time.Minute))
	assert.False(t, f.Delete(ctx, "k"))

	allowed, _ := f.CheckRateLimit(ctx, "ip:abc", 1, time.Minute)
	assert.True(t, allowed, "rate limit must allow when the store is down")

	assert.False(t, f.Connected())
}
