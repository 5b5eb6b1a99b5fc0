// Package auth implements bearer-token and admin-key authentication for the
// gateway.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/cache"
	"github.com/eugener/llmgateway/internal/storage"
)

// KeyAuthenticator authenticates requests against the active-key-hashes
// AuthCache, falling back to and back-filling from the KeyStore on miss.
type KeyAuthenticator struct {
	store storage.KeyStore
	cache *cache.AuthCache
}

// NewKeyAuthenticator returns a KeyAuthenticator backed by store and cache.
func NewKeyAuthenticator(store storage.KeyStore, c *cache.AuthCache) *KeyAuthenticator {
	return &KeyAuthenticator{store: store, cache: c}
}

// Authenticate extracts a Bearer token, hashes it, and resolves it to a
// KeyIdentity. Exact failure messages per the authenticator's contract.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*gateway.KeyIdentity, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if header == "" || raw == header {
		return nil, gateway.NewUnauthorized("Missing Authorization header")
	}

	hash := gateway.HashKey(raw)

	inCache, err := a.cache.Contains(ctx, hash)
	if err != nil {
		return nil, err
	}
	if inCache {
		key, err := a.store.GetByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				return nil, gateway.NewUnauthorized("Invalid API key")
			}
			return nil, err
		}
		return buildIdentity(key), nil
	}

	key, err := a.store.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.NewUnauthorized("Invalid API key")
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash
	// against the computed one, guarding against collation surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.NewUnauthorized("Invalid API key")
	}

	if err := a.cache.Add(ctx, hash); err != nil {
		return nil, err
	}

	return buildIdentity(key), nil
}

func buildIdentity(key *gateway.UserKey) *gateway.KeyIdentity {
	return &gateway.KeyIdentity{
		KeyID:       key.ID,
		KeyHash:     key.KeyHash,
		TokenBudget: key.TokenBudget,
		TokensUsed:  key.TokensUsed,
	}
}

// AdminAuthenticator gates the /admin routes with a single shared key,
// compared in constant time against ADMIN_KEY.
type AdminAuthenticator struct {
	adminKey string
}

// NewAdminAuthenticator returns an AdminAuthenticator for the given key.
func NewAdminAuthenticator(adminKey string) *AdminAuthenticator {
	return &AdminAuthenticator{adminKey: adminKey}
}

// Authenticate checks the Authorization header against the configured admin
// key. It returns no identity (admin routes are not per-key scoped).
func (a *AdminAuthenticator) Authenticate(_ context.Context, r *http.Request) (*gateway.KeyIdentity, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if header == "" || raw == header {
		return nil, gateway.NewUnauthorized("Missing Authorization header")
	}
	if subtle.ConstantTimeCompare([]byte(raw), []byte(a.adminKey)) != 1 {
		return nil, gateway.NewUnauthorized("Invalid admin key")
	}
	return &gateway.KeyIdentity{}, nil
}
