// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/llmgateway/internal"
)

// KeyStore manages UserKey persistence (spec.md section 4.1).
type KeyStore interface {
	// Create persists a new key and returns the plaintext (shown once) along
	// with the stored record.
	Create(ctx context.Context, name string, tokenBudget *int64) (plaintext string, key *gateway.UserKey, err error)
	// Rotate replaces the hash of an existing key, returning the new
	// plaintext and updated record.
	Rotate(ctx context.Context, id string) (plaintext string, key *gateway.UserKey, err error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, offset, limit int) ([]*gateway.UserKey, int, error)
	Update(ctx context.Context, id string, tokenBudget *int64, resetUsage bool) (*gateway.UserKey, error)
	GetByHash(ctx context.Context, hash string) (*gateway.UserKey, error)
	GetByID(ctx context.Context, id string) (*gateway.UserKey, error)
	// IncrementUsed atomically adds delta to tokens_used via a single UPDATE.
	IncrementUsed(ctx context.Context, id string, delta int64) error
	// ActiveHashes returns the key_hash of every active key, used to warm up
	// the AuthCache at startup.
	ActiveHashes(ctx context.Context) ([]string, error)
}

// RouteStore manages Provider and Model persistence plus model-route
// resolution (spec.md section 4.2).
type RouteStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	DeleteProvider(ctx context.Context, id string) error

	CreateModel(ctx context.Context, m *gateway.Model) error
	GetModel(ctx context.Context, id string) (*gateway.Model, error)
	ListModels(ctx context.Context) ([]*gateway.Model, error)
	UpdateModel(ctx context.Context, m *gateway.Model) error
	DeleteModel(ctx context.Context, id string) error

	// Resolve joins an active model to its active provider, returning the
	// denormalized route the proxy engine consumes directly.
	Resolve(ctx context.Context, modelName string) (*gateway.ModelRoute, error)
	// AllRoutes resolves every active model, used to warm up the RouteCache.
	AllRoutes(ctx context.Context) (map[string]gateway.ModelRoute, error)
}

// ListLogsParams filters and paginates RequestLog listings.
type ListLogsParams struct {
	Page    int
	PerPage int
	KeyID   string
	Model   string
}

// LogStore manages RequestLog persistence (spec.md section 4.8).
type LogStore interface {
	Insert(ctx context.Context, log *gateway.RequestLog) error
	ListLogs(ctx context.Context, params ListLogsParams) ([]*gateway.RequestLog, int, error)
	// CleanupOlderThan deletes logs created before the retention cutoff and
	// returns the number of rows removed.
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Pinger reports whether the underlying storage connection is healthy.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store combines all storage interfaces plus lifecycle management.
type Store interface {
	KeyStore
	RouteStore
	LogStore
	Pinger
	Close()
}

// Clock is exposed for tests that need to control "now" independent of
// time.Now; production code always uses the real clock.
type Clock func() time.Time
