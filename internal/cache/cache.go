// Package cache implements the gateway's two Redis-backed lookup caches:
// AuthCache (the active-key-hash set) and RouteCache (the model-route map).
// Both sit in front of Postgres and are backfilled on cache miss.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/eugener/llmgateway/internal"
)

const defaultTimeout = 5 * time.Second

const (
	activeKeyHashesKey = "gateway:active_key_hashes"
	modelRoutesKey     = "gateway:model_routes"
)

// AuthCache mirrors the set of active key hashes so the authenticate
// middleware can reject revoked keys without a Postgres round trip.
type AuthCache struct {
	rdb *redis.Client
}

// NewAuthCache wraps an existing Redis client.
func NewAuthCache(rdb *redis.Client) *AuthCache {
	return &AuthCache{rdb: rdb}
}

// Contains reports whether hash is a member of the active-key-hashes set.
func (c *AuthCache) Contains(ctx context.Context, hash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	ok, err := c.rdb.SIsMember(ctx, activeKeyHashesKey, hash).Result()
	if err != nil {
		return false, fmt.Errorf("cache: auth contains: %w", err)
	}
	return ok, nil
}

// Add inserts hash into the active set (on key creation or rotation).
func (c *AuthCache) Add(ctx context.Context, hash string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := c.rdb.SAdd(ctx, activeKeyHashesKey, hash).Err(); err != nil {
		return fmt.Errorf("cache: auth add: %w", err)
	}
	return nil
}

// Remove deletes hash from the active set (on key deletion, rotation of the
// old hash, or deactivation).
func (c *AuthCache) Remove(ctx context.Context, hash string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := c.rdb.SRem(ctx, activeKeyHashesKey, hash).Err(); err != nil {
		return fmt.Errorf("cache: auth remove: %w", err)
	}
	return nil
}

// WarmUp replaces the entire active-key-hashes set, used at startup to seed
// the cache from Postgres's source of truth.
func (c *AuthCache) WarmUp(ctx context.Context, hashes []string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, activeKeyHashesKey)
	if len(hashes) > 0 {
		members := make([]interface{}, len(hashes))
		for i, h := range hashes {
			members[i] = h
		}
		pipe.SAdd(ctx, activeKeyHashesKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: auth warm up: %w", err)
	}
	return nil
}

// RouteCache mirrors the active model -> ModelRoute mapping.
type RouteCache struct {
	rdb *redis.Client
}

// NewRouteCache wraps an existing Redis client.
func NewRouteCache(rdb *redis.Client) *RouteCache {
	return &RouteCache{rdb: rdb}
}

// Get returns the cached route for modelName, or gateway.ErrNotFound on miss.
func (c *RouteCache) Get(ctx context.Context, modelName string) (*gateway.ModelRoute, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	val, err := c.rdb.HGet(ctx, modelRoutesKey, modelName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("cache: route get: %w", err)
	}

	var route gateway.ModelRoute
	if err := json.Unmarshal([]byte(val), &route); err != nil {
		// A corrupt or stale cache payload is treated the same as a miss, so
		// callers fall through to the store of record instead of surfacing it.
		return nil, fmt.Errorf("cache: route unmarshal: %w: %w", gateway.ErrNotFound, err)
	}
	return &route, nil
}

// Set stores the route for modelName, overwriting any existing entry.
func (c *RouteCache) Set(ctx context.Context, modelName string, route gateway.ModelRoute) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("cache: route marshal: %w", err)
	}
	if err := c.rdb.HSet(ctx, modelRoutesKey, modelName, data).Err(); err != nil {
		return fmt.Errorf("cache: route set: %w", err)
	}
	return nil
}

// Delete removes the cached route for modelName (model or provider
// deactivated/deleted).
func (c *RouteCache) Delete(ctx context.Context, modelName string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := c.rdb.HDel(ctx, modelRoutesKey, modelName).Err(); err != nil {
		return fmt.Errorf("cache: route delete: %w", err)
	}
	return nil
}

// WarmUp replaces the entire model-route map from Postgres's source of truth.
func (c *RouteCache) WarmUp(ctx context.Context, routes map[string]gateway.ModelRoute) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, modelRoutesKey)
	if len(routes) > 0 {
		fields := make(map[string]interface{}, len(routes))
		for name, route := range routes {
			data, err := json.Marshal(route)
			if err != nil {
				return fmt.Errorf("cache: route warm up marshal: %w", err)
			}
			fields[name] = data
		}
		pipe.HSet(ctx, modelRoutesKey, fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: route warm up: %w", err)
	}
	return nil
}
