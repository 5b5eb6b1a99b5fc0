package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/cache"
)

// fakeKeyStore is a minimal in-memory KeyStore for auth tests.
type fakeKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*gateway.UserKey // hash -> key
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]*gateway.UserKey)}
}

func (s *fakeKeyStore) addKey(raw string, key *gateway.UserKey) {
	key.KeyHash = gateway.HashKey(raw)
	key.IsActive = true
	s.mu.Lock()
	s.keys[key.KeyHash] = key
	s.mu.Unlock()
}

func (s *fakeKeyStore) GetByHash(_ context.Context, hash string) (*gateway.UserKey, error) {
	s.mu.RLock()
	k, ok := s.keys[hash]
	s.mu.RUnlock()
	if !ok || !k.IsActive {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *fakeKeyStore) GetByID(context.Context, string) (*gateway.UserKey, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeKeyStore) Create(context.Context, string, *int64) (string, *gateway.UserKey, error) {
	return "", nil, errors.New("not implemented")
}
func (s *fakeKeyStore) Rotate(context.Context, string) (string, *gateway.UserKey, error) {
	return "", nil, errors.New("not implemented")
}
func (s *fakeKeyStore) Delete(context.Context, string) error { return errors.New("not implemented") }
func (s *fakeKeyStore) List(context.Context, int, int) ([]*gateway.UserKey, int, error) {
	return nil, 0, errors.New("not implemented")
}
func (s *fakeKeyStore) Update(context.Context, string, *int64, bool) (*gateway.UserKey, error) {
	return nil, errors.New("not implemented")
}
func (s *fakeKeyStore) IncrementUsed(context.Context, string, int64) error { return nil }
func (s *fakeKeyStore) ActiveHashes(context.Context) ([]string, error)    { return nil, nil }

const testKey = "sk-test-key-12345678901234567890"

func newTestAuth(t *testing.T) (*KeyAuthenticator, *fakeKeyStore) {
	t.Helper()
	store := newFakeKeyStore()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewKeyAuthenticator(store, cache.NewAuthCache(rdb)), store
}

func makeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func TestAuthenticate_ValidKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.UserKey{ID: "key-1", Name: "test"})

	id, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.KeyID != "key-1" {
		t.Errorf("KeyID = %q, want key-1", id.KeyID)
	}
}

func TestAuthenticate_CacheHitBackfillsFromStore(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.UserKey{ID: "key-1", Name: "test"})

	// First call populates the AuthCache.
	if _, err := auth.Authenticate(context.Background(), makeRequest(testKey)); err != nil {
		t.Fatal(err)
	}

	// Cache hit still re-reads the store for the current identity snapshot.
	id, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err != nil {
		t.Fatalf("cache hit path failed: %v", err)
	}
	if id.KeyID != "key-1" {
		t.Errorf("KeyID = %q, want key-1", id.KeyID)
	}
}

func TestAuthenticate_NoAuthHeader(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest(""))
	if err == nil || err.Error() != "Missing Authorization header" {
		t.Errorf("err = %v, want %q", err, "Missing Authorization header")
	}
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Error("err should classify as ErrUnauthorized")
	}
}

func TestAuthenticate_NonBearerToken(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := auth.Authenticate(context.Background(), r)
	if err == nil || err.Error() != "Missing Authorization header" {
		t.Errorf("err = %v, want %q", err, "Missing Authorization header")
	}
}

func TestAuthenticate_KeyNotFound(t *testing.T) {
	t.Parallel()
	auth, _ := newTestAuth(t)

	_, err := auth.Authenticate(context.Background(), makeRequest("sk-unknown-key-does-not-exist"))
	if err == nil || err.Error() != "Invalid API key" {
		t.Errorf("err = %v, want %q", err, "Invalid API key")
	}
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Error("err should classify as ErrUnauthorized")
	}
}

func TestAuthenticate_InactiveKey(t *testing.T) {
	t.Parallel()
	auth, store := newTestAuth(t)

	store.addKey(testKey, &gateway.UserKey{ID: "key-inactive", Name: "test"})
	store.mu.Lock()
	store.keys[gateway.HashKey(testKey)].IsActive = false
	store.mu.Unlock()

	_, err := auth.Authenticate(context.Background(), makeRequest(testKey))
	if err == nil || err.Error() != "Invalid API key" {
		t.Errorf("err = %v, want %q", err, "Invalid API key")
	}
}

func TestAdminAuthenticator(t *testing.T) {
	t.Parallel()
	a := NewAdminAuthenticator("top-secret")

	if _, err := a.Authenticate(context.Background(), makeRequest("top-secret")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := a.Authenticate(context.Background(), makeRequest("wrong"))
	if err == nil || err.Error() != "Invalid admin key" {
		t.Errorf("err = %v, want %q", err, "Invalid admin key")
	}

	_, err = a.Authenticate(context.Background(), makeRequest(""))
	if err == nil || err.Error() != "Missing Authorization header" {
		t.Errorf("err = %v, want %q", err, "Missing Authorization header")
	}
}
