package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/keystone/internal/overrides"
	_ "github.com/noah-isme/keystone/internal/testing/guard"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Hour), mr
}

type countingObserver struct {
	sources map[string]int
}

func (o *countingObserver) ObserveResolution(source string) {
	if o.sources == nil {
		o.sources = make(map[string]int)
	}
	o.sources[source]++
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Set(ctx, 42, []string{"a.one", "b.two"}))

	slugs, hit, err := cache.Get(ctx, 42)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"a.one", "b.two"}, slugs)
}

func TestCacheInvalidateUsers(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 42, []string{"a.one"}))
	require.NoError(t, cache.Set(ctx, 43, []string{"b.two"}))
	require.NoError(t, cache.InvalidateUsers(ctx, 42, 43))

	_, hit, err := cache.Get(ctx, 42)
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = cache.Get(ctx, 43)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheEntriesCarryTTL(t *testing.T) {
	cache, mr := newTestCache(t)

	require.NoError(t, cache.Set(context.Background(), 42, []string{"a.one"}))
	assert.Greater(t, mr.TTL("keystone:perms:42"), time.Duration(0), "defensive max-age on every entry")
}

func TestCachedResolverServesFromCache(t *testing.T) {
	cache, _ := newTestCache(t)
	stores := newMockStores()
	stores.roleSlugs[42] = []string{"reports.view"}
	obs := &countingObserver{}
	r := NewCachedResolver(NewResolver(stores, stores, stores), cache, nil)
	r.SetObserver(obs)
	ctx := context.Background()

	resolved, err := r.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports.view"}, resolved)
	assert.Equal(t, 1, stores.roleCalls)

	resolved, err = r.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports.view"}, resolved)
	assert.Equal(t, 1, stores.roleCalls, "second resolve served from cache")
	assert.Equal(t, 1, obs.sources["store"])
	assert.Equal(t, 1, obs.sources["cache"])
}

func TestCachedResolverInvalidationForcesFreshResolve(t *testing.T) {
	cache, _ := newTestCache(t)
	stores := newMockStores()
	stores.roleSlugs[42] = []string{"reports.view"}
	r := NewCachedResolver(NewResolver(stores, stores, stores), cache, nil)
	ctx := context.Background()

	resolved, err := r.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports.view"}, resolved)

	// Mutation path: store change, then invalidate.
	stores.slugs[3] = "reports.view"
	stores.addOverride(42, 3, overrides.TypeRevoke, nil)
	require.NoError(t, cache.InvalidateUsers(ctx, 42))

	resolved, err = r.Resolve(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, resolved, "next query reflects the committed change")
	assert.Equal(t, 2, stores.roleCalls)
}

func TestCachedResolverDegradesWhenRedisDown(t *testing.T) {
	cache, mr := newTestCache(t)
	stores := newMockStores()
	stores.roleSlugs[42] = []string{"reports.view"}
	r := NewCachedResolver(NewResolver(stores, stores, stores), cache, nil)

	mr.Close()

	resolved, err := r.Resolve(context.Background(), 42)
	require.NoError(t, err, "cache failure never fails the query")
	assert.Equal(t, []string{"reports.view"}, resolved)
}

func TestCachedResolverNilCache(t *testing.T) {
	stores := newMockStores()
	stores.roleSlugs[42] = []string{"reports.view"}
	r := NewCachedResolver(NewResolver(stores, stores, stores), nil, nil)

	resolved, err := r.Resolve(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports.view"}, resolved)
}
