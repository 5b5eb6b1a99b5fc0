// Package testutil provides in-memory fakes of the gateway's storage and
// authenticator interfaces for unit tests.
package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	keys      map[string]*gateway.UserKey // id -> key
	providers map[string]*gateway.Provider
	models    map[string]*gateway.Model
	logs      []*gateway.RequestLog
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		keys:      make(map[string]*gateway.UserKey),
		providers: make(map[string]*gateway.Provider),
		models:    make(map[string]*gateway.Model),
	}
}

// --- Test helpers ---

// AddProvider inserts a provider directly, bypassing CreateProvider.
func (s *FakeStore) AddProvider(p *gateway.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	s.providers[p.ID] = p
}

// AddModel inserts a model directly, bypassing CreateModel.
func (s *FakeStore) AddModel(m *gateway.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.InputTokenCoefficient == 0 {
		m.InputTokenCoefficient = 1.0
	}
	if m.OutputTokenCoefficient == 0 {
		m.OutputTokenCoefficient = 1.0
	}
	s.models[m.ID] = m
}

// AddKey inserts a key directly, bypassing Create.
func (s *FakeStore) AddKey(k *gateway.UserKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	s.keys[k.ID] = k
}

// --- KeyStore ---

func (s *FakeStore) Create(_ context.Context, name string, tokenBudget *int64) (string, *gateway.UserKey, error) {
	plaintext := gateway.KeyPrefix + uuid.New().String()
	k := &gateway.UserKey{
		ID:          uuid.New().String(),
		Name:        name,
		KeyHash:     gateway.HashKey(plaintext),
		KeyPrefix:   gateway.DisplayPrefix(plaintext),
		IsActive:    true,
		TokenBudget: tokenBudget,
	}
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
	return plaintext, k, nil
}

func (s *FakeStore) Rotate(_ context.Context, id string) (string, *gateway.UserKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return "", nil, gateway.ErrNotFound
	}
	plaintext := gateway.KeyPrefix + uuid.New().String()
	k.KeyHash = gateway.HashKey(plaintext)
	k.KeyPrefix = gateway.DisplayPrefix(plaintext)
	return plaintext, k, nil
}

func (s *FakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || !k.IsActive {
		return gateway.ErrNotFound
	}
	k.IsActive = false
	return nil
}

func (s *FakeStore) List(_ context.Context, offset, limit int) ([]*gateway.UserKey, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.UserKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) || limit <= 0 {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (s *FakeStore) Update(_ context.Context, id string, tokenBudget *int64, resetUsage bool) (*gateway.UserKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	k.TokenBudget = tokenBudget
	if resetUsage {
		k.TokensUsed = 0
	}
	return k, nil
}

func (s *FakeStore) GetByHash(_ context.Context, hash string) (*gateway.UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash && k.IsActive {
			return k, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (s *FakeStore) GetByID(_ context.Context, id string) (*gateway.UserKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}

func (s *FakeStore) IncrementUsed(_ context.Context, id string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.TokensUsed += delta
	return nil
}

func (s *FakeStore) ActiveHashes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, k := range s.keys {
		if k.IsActive {
			out = append(out, k.KeyHash)
		}
	}
	return out, nil
}

// --- RouteStore ---

func (s *FakeStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	s.AddProvider(p)
	return nil
}

func (s *FakeStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}

func (s *FakeStore) ListProviders(_ context.Context) ([]*gateway.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}

func (s *FakeStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.providers[p.ID] = p
	return nil
}

func (s *FakeStore) DeleteProvider(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.providers, id)
	return nil
}

func (s *FakeStore) CreateModel(_ context.Context, m *gateway.Model) error {
	s.AddModel(m)
	return nil
}

func (s *FakeStore) GetModel(_ context.Context, id string) (*gateway.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return m, nil
}

func (s *FakeStore) ListModels(_ context.Context) ([]*gateway.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

func (s *FakeStore) UpdateModel(_ context.Context, m *gateway.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[m.ID]; !ok {
		return gateway.ErrNotFound
	}
	s.models[m.ID] = m
	return nil
}

func (s *FakeStore) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(s.models, id)
	return nil
}

func (s *FakeStore) Resolve(_ context.Context, modelName string) (*gateway.ModelRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.Name != modelName || !m.IsActive {
			continue
		}
		p, ok := s.providers[m.ProviderID]
		if !ok || !p.IsActive {
			continue
		}
		providerModelName := m.ProviderModelName
		if providerModelName == "" {
			providerModelName = m.Name
		}
		return &gateway.ModelRoute{
			ProviderID:             p.ID,
			ProviderModelName:      providerModelName,
			BaseURL:                p.BaseURL,
			APIKey:                 p.APIKey,
			ProviderKind:           p.Kind,
			InputTokenCoefficient:  m.InputTokenCoefficient,
			OutputTokenCoefficient: m.OutputTokenCoefficient,
		}, nil
	}
	return nil, gateway.NewBadRequest(`Model "` + modelName + `" is not configured in the gateway`)
}

func (s *FakeStore) AllRoutes(ctx context.Context) (map[string]gateway.ModelRoute, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.models))
	for _, m := range s.models {
		names = append(names, m.Name)
	}
	s.mu.RUnlock()

	out := make(map[string]gateway.ModelRoute)
	for _, name := range names {
		route, err := s.Resolve(ctx, name)
		if err != nil {
			continue
		}
		out[name] = *route
	}
	return out, nil
}

// --- LogStore ---

func (s *FakeStore) Insert(_ context.Context, log *gateway.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	s.logs = append(s.logs, log)
	return nil
}

func (s *FakeStore) ListLogs(_ context.Context, params storage.ListLogsParams) ([]*gateway.RequestLog, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.RequestLog
	for _, l := range s.logs {
		if params.KeyID != "" && l.UserKeyID != params.KeyID {
			continue
		}
		if params.Model != "" && l.ModelRequested != params.Model {
			continue
		}
		out = append(out, l)
	}
	return out, len(out), nil
}

func (s *FakeStore) CleanupOlderThan(context.Context, int) (int64, error) { return 0, nil }

// --- Pinger / lifecycle ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close()                     {}
