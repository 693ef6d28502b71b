package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "keystone:perms:"

// Cache stores resolved permission sets per user in Redis. Entries carry a
// defensive max-age TTL so a missed invalidation path cannot leave a stale
// set behind forever; explicit invalidation remains the primary mechanism.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get loads the cached permission set for the user.
func (c *Cache) Get(ctx context.Context, userID int64) ([]string, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var slugs []string
	if err := json.Unmarshal(payload, &slugs); err != nil {
		return nil, false, err
	}
	return slugs, true, nil
}

// Set stores the permission set for the user.
func (c *Cache) Set(ctx context.Context, userID int64, slugs []string) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(slugs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(userID), payload, c.ttl).Err()
}

// InvalidateUsers drops the cached sets for the given users in one DEL.
// Mutation commands call this after commit, before returning to the caller.
func (c *Cache) InvalidateUsers(ctx context.Context, userIDs ...int64) error {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, cacheKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}

func cacheKey(userID int64) string {
	return cacheKeyPrefix + strconv.FormatInt(userID, 10)
}

// ResolutionObserver counts resolutions by source for metrics.
type ResolutionObserver interface {
	ObserveResolution(source string)
}

// CachedResolver memoizes Resolver output per user. Cache failures degrade to
// direct resolution; a query never fails because Redis is unavailable.
type CachedResolver struct {
	inner    *Resolver
	cache    *Cache
	logger   *slog.Logger
	observer ResolutionObserver
	group    singleflight.Group
}

// NewCachedResolver builds CachedResolver instance.
func NewCachedResolver(inner *Resolver, cache *Cache, logger *slog.Logger) *CachedResolver {
	return &CachedResolver{inner: inner, cache: cache, logger: logger}
}

// SetObserver installs a metrics hook for cache hit/miss accounting.
func (r *CachedResolver) SetObserver(observer ResolutionObserver) {
	r.observer = observer
}

// Resolve returns the user's effective permission set, serving from cache
// when possible. Concurrent misses for the same user are coalesced into a
// single store resolution.
func (r *CachedResolver) Resolve(ctx context.Context, userID int64) ([]string, error) {
	if r.cache == nil {
		return r.inner.Resolve(ctx, userID)
	}

	slugs, hit, err := r.cache.Get(ctx, userID)
	if err != nil {
		r.warn("cache read", err)
		return r.inner.Resolve(ctx, userID)
	}
	if hit {
		r.observe("cache")
		return slugs, nil
	}

	r.observe("store")
	value, err, _ := r.group.Do(cacheKey(userID), func() (any, error) {
		resolved, err := r.inner.Resolve(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(ctx, userID, resolved); err != nil {
			r.warn("cache write", err)
		}
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}

// Can reports whether the user holds the permission.
func (r *CachedResolver) Can(ctx context.Context, userID int64, slug string) (bool, error) {
	return can(ctx, r, userID, slug)
}

// CanAny reports whether the user holds at least one of the permissions.
func (r *CachedResolver) CanAny(ctx context.Context, userID int64, slugs []string) (bool, error) {
	return canAny(ctx, r, userID, slugs)
}

func (r *CachedResolver) observe(source string) {
	if r.observer != nil {
		r.observer.ObserveResolution(source)
	}
}

func (r *CachedResolver) warn(msg string, err error) {
	if r.logger != nil {
		r.logger.Warn(msg, slog.Any("error", err))
	}
}
