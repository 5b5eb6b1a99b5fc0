package app

import (
	"context"
	"fmt"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/cache"
	"github.com/eugener/llmgateway/internal/storage"
)

// KeyManager handles UserKey lifecycle, keeping the AuthCache's active-hash
// set in sync with every mutation so AuthCache stays a subset of the
// KeyStore's active keys.
type KeyManager struct {
	store     storage.KeyStore
	authCache *cache.AuthCache
}

// NewKeyManager returns a KeyManager backed by store and authCache.
func NewKeyManager(store storage.KeyStore, authCache *cache.AuthCache) *KeyManager {
	return &KeyManager{store: store, authCache: authCache}
}

// CreateKey persists a new key and adds its hash to the AuthCache.
func (km *KeyManager) CreateKey(ctx context.Context, name string, tokenBudget *int64) (string, *gateway.UserKey, error) {
	plaintext, key, err := km.store.Create(ctx, name, tokenBudget)
	if err != nil {
		return "", nil, err
	}
	if err := km.authCache.Add(ctx, key.KeyHash); err != nil {
		return "", nil, fmt.Errorf("auth cache backfill: %w", err)
	}
	return plaintext, key, nil
}

// RotateKey replaces a key's hash, removing the old hash from the AuthCache
// and adding the new one.
func (km *KeyManager) RotateKey(ctx context.Context, id string) (string, *gateway.UserKey, error) {
	existing, err := km.store.GetByID(ctx, id)
	if err != nil {
		return "", nil, err
	}
	oldHash := existing.KeyHash

	plaintext, key, err := km.store.Rotate(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if err := km.authCache.Remove(ctx, oldHash); err != nil {
		return "", nil, fmt.Errorf("auth cache invalidate: %w", err)
	}
	if err := km.authCache.Add(ctx, key.KeyHash); err != nil {
		return "", nil, fmt.Errorf("auth cache backfill: %w", err)
	}
	return plaintext, key, nil
}

// DeleteKey deactivates the key (a soft delete: the row stays, with
// is_active false) and removes its hash from the AuthCache.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	existing, err := km.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := km.store.Delete(ctx, id); err != nil {
		return err
	}
	return km.authCache.Remove(ctx, existing.KeyHash)
}

// UpdateKey changes the token budget and/or resets usage.
func (km *KeyManager) UpdateKey(ctx context.Context, id string, tokenBudget *int64, resetUsage bool) (*gateway.UserKey, error) {
	return km.store.Update(ctx, id, tokenBudget, resetUsage)
}

// ListKeys paginates stored keys, never exposing hash or plaintext.
func (km *KeyManager) ListKeys(ctx context.Context, offset, limit int) ([]*gateway.UserKey, int, error) {
	return km.store.List(ctx, offset, limit)
}
