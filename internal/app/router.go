// Package app hosts the gateway's application services, sitting between the
// HTTP layer and storage/cache.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/eugener/llmgateway/internal/cache"
	"github.com/eugener/llmgateway/internal/storage"

	gateway "github.com/eugener/llmgateway/internal"
)

// RouterService resolves model names to concrete ModelRoutes, consulting the
// RouteCache first and falling back to (and back-filling from) the
// RouteStore on miss.
type RouterService struct {
	store      storage.RouteStore
	routeCache *cache.RouteCache
}

// NewRouterService returns a RouterService backed by store and routeCache.
func NewRouterService(store storage.RouteStore, routeCache *cache.RouteCache) *RouterService {
	return &RouterService{store: store, routeCache: routeCache}
}

// Resolve maps a model name to its ModelRoute. Cache hit returns directly;
// on miss it queries the RouteStore and back-fills the cache on success.
func (rs *RouterService) Resolve(ctx context.Context, model string) (*gateway.ModelRoute, error) {
	route, err := rs.routeCache.Get(ctx, model)
	if err == nil {
		return route, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, fmt.Errorf("route cache lookup %q: %w", model, err)
	}

	route, err = rs.store.Resolve(ctx, model)
	if err != nil {
		return nil, err
	}

	if err := rs.routeCache.Set(ctx, model, *route); err != nil {
		return nil, fmt.Errorf("route cache backfill %q: %w", model, err)
	}
	return route, nil
}
