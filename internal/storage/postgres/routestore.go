package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	gateway "github.com/eugener/llmgateway/internal"
)

const providerColumns = "id, name, kind, base_url, api_key, is_active, created_at, updated_at"

func scanProvider(row pgx.Row) (*gateway.Provider, error) {
	var p gateway.Provider
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &p.APIKey, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateProvider implements storage.RouteStore.
func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO providers (id, name, kind, base_url, api_key, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+providerColumns,
		p.ID, p.Name, p.Kind, p.BaseURL, p.APIKey, p.IsActive,
	)
	created, err := scanProvider(row)
	if err != nil {
		return fmt.Errorf("postgres: create provider: %w", err)
	}
	*p = *created
	return nil
}

// GetProvider implements storage.RouteStore.
func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

// ListProviders implements storage.RouteStore.
func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list providers: %w", err)
	}
	defer rows.Close()

	var out []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProvider implements storage.RouteStore.
func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	row := s.pool.QueryRow(ctx, `
		UPDATE providers
		SET name = $1, kind = $2, base_url = $3, api_key = $4, is_active = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING `+providerColumns,
		p.Name, p.Kind, p.BaseURL, p.APIKey, p.IsActive, p.ID,
	)
	updated, err := scanProvider(row)
	if err != nil {
		return fmt.Errorf("postgres: update provider: %w", err)
	}
	*p = *updated
	return nil
}

// DeleteProvider implements storage.RouteStore.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

const modelColumns = "id, name, provider_id, provider_model_name, is_active, " +
	"input_token_coefficient, output_token_coefficient, created_at, updated_at"

func scanModel(row pgx.Row) (*gateway.Model, error) {
	var m gateway.Model
	if err := row.Scan(&m.ID, &m.Name, &m.ProviderID, &m.ProviderModelName, &m.IsActive,
		&m.InputTokenCoefficient, &m.OutputTokenCoefficient, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateModel implements storage.RouteStore.
func (s *Store) CreateModel(ctx context.Context, m *gateway.Model) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.InputTokenCoefficient == 0 {
		m.InputTokenCoefficient = 1.0
	}
	if m.OutputTokenCoefficient == 0 {
		m.OutputTokenCoefficient = 1.0
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO models (id, name, provider_id, provider_model_name, is_active,
			input_token_coefficient, output_token_coefficient)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+modelColumns,
		m.ID, m.Name, m.ProviderID, m.ProviderModelName, m.IsActive,
		m.InputTokenCoefficient, m.OutputTokenCoefficient,
	)
	created, err := scanModel(row)
	if err != nil {
		return fmt.Errorf("postgres: create model: %w", err)
	}
	*m = *created
	return nil
}

// GetModel implements storage.RouteStore.
func (s *Store) GetModel(ctx context.Context, id string) (*gateway.Model, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id)
	return scanModel(row)
}

// ListModels implements storage.RouteStore.
func (s *Store) ListModels(ctx context.Context) ([]*gateway.Model, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+modelColumns+` FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list models: %w", err)
	}
	defer rows.Close()

	var out []*gateway.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateModel implements storage.RouteStore.
func (s *Store) UpdateModel(ctx context.Context, m *gateway.Model) error {
	row := s.pool.QueryRow(ctx, `
		UPDATE models
		SET name = $1, provider_id = $2, provider_model_name = $3, is_active = $4,
			input_token_coefficient = $5, output_token_coefficient = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING `+modelColumns,
		m.Name, m.ProviderID, m.ProviderModelName, m.IsActive,
		m.InputTokenCoefficient, m.OutputTokenCoefficient, m.ID,
	)
	updated, err := scanModel(row)
	if err != nil {
		return fmt.Errorf("postgres: update model: %w", err)
	}
	*m = *updated
	return nil
}

// DeleteModel implements storage.RouteStore.
func (s *Store) DeleteModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// resolveQuery joins an active model to its active provider, producing
// exactly the columns a ModelRoute needs with no further lookups.
const resolveQuery = `
	SELECT p.id, m.provider_model_name, p.base_url, p.api_key, p.kind,
		m.input_token_coefficient, m.output_token_coefficient
	FROM models m
	JOIN providers p ON p.id = m.provider_id
	WHERE m.name = $1 AND m.is_active AND p.is_active`

// Resolve implements storage.RouteStore, mirroring the original gateway's
// model-route resolution: a model only resolves when both it and its
// provider are active.
func (s *Store) Resolve(ctx context.Context, modelName string) (*gateway.ModelRoute, error) {
	row := s.pool.QueryRow(ctx, resolveQuery, modelName)
	var rt gateway.ModelRoute
	var providerModelName string
	if err := row.Scan(&rt.ProviderID, &providerModelName, &rt.BaseURL, &rt.APIKey, &rt.ProviderKind,
		&rt.InputTokenCoefficient, &rt.OutputTokenCoefficient); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gateway.NewBadRequest(fmt.Sprintf("Model %q is not configured in the gateway", modelName))
		}
		return nil, fmt.Errorf("postgres: resolve model: %w", err)
	}
	if providerModelName == "" {
		providerModelName = modelName
	}
	rt.ProviderModelName = providerModelName
	return &rt, nil
}

// AllRoutes implements storage.RouteStore, used to warm up the RouteCache.
func (s *Store) AllRoutes(ctx context.Context) (map[string]gateway.ModelRoute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.name, p.id, m.provider_model_name, p.base_url, p.api_key, p.kind,
			m.input_token_coefficient, m.output_token_coefficient
		FROM models m
		JOIN providers p ON p.id = m.provider_id
		WHERE m.is_active AND p.is_active`,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: all routes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]gateway.ModelRoute)
	for rows.Next() {
		var name string
		var rt gateway.ModelRoute
		var providerModelName string
		if err := rows.Scan(&name, &rt.ProviderID, &providerModelName, &rt.BaseURL, &rt.APIKey,
			&rt.ProviderKind, &rt.InputTokenCoefficient, &rt.OutputTokenCoefficient); err != nil {
			return nil, err
		}
		if providerModelName == "" {
			providerModelName = name
		}
		rt.ProviderModelName = providerModelName
		out[name] = rt
	}
	return out, rows.Err()
}
