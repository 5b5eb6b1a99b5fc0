package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	gateway "github.com/eugener/llmgateway/internal"
)

// generateKey produces a new plaintext key in the gateway's "sk-" + uuid
// format, grounded on the original key_service's key generation contract.
func generateKey() string {
	return gateway.KeyPrefix + uuid.New().String()
}

func scanUserKey(row pgx.Row) (*gateway.UserKey, error) {
	var k gateway.UserKey
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive,
		&k.TokenBudget, &k.TokensUsed, &k.CreatedAt, &k.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

const userKeyColumns = "id, name, key_hash, key_prefix, is_active, token_budget, tokens_used, created_at, updated_at"

// Create implements storage.KeyStore.
func (s *Store) Create(ctx context.Context, name string, tokenBudget *int64) (string, *gateway.UserKey, error) {
	plaintext := generateKey()
	hash := gateway.HashKey(plaintext)
	prefix := gateway.DisplayPrefix(plaintext)
	id := uuid.New().String()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO user_keys (id, name, key_hash, key_prefix, is_active, token_budget, tokens_used)
		VALUES ($1, $2, $3, $4, TRUE, $5, 0)
		RETURNING `+userKeyColumns,
		id, name, hash, prefix, tokenBudget,
	)
	key, err := scanUserKey(row)
	if err != nil {
		return "", nil, fmt.Errorf("postgres: create key: %w", err)
	}
	return plaintext, key, nil
}

// Rotate implements storage.KeyStore.
func (s *Store) Rotate(ctx context.Context, id string) (string, *gateway.UserKey, error) {
	plaintext := generateKey()
	hash := gateway.HashKey(plaintext)
	prefix := gateway.DisplayPrefix(plaintext)

	row := s.pool.QueryRow(ctx, `
		UPDATE user_keys
		SET key_hash = $1, key_prefix = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING `+userKeyColumns,
		hash, prefix, id,
	)
	key, err := scanUserKey(row)
	if err != nil {
		return "", nil, fmt.Errorf("postgres: rotate key: %w", err)
	}
	return plaintext, key, nil
}

// Delete implements storage.KeyStore. This is a soft delete: the row is kept
// with is_active flipped false so request logs and crash-recovery invariants
// that reference the key by ID continue to resolve it.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_keys SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active`, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: delete key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// List implements storage.KeyStore. Each returned key's WeightedTokensUsed is
// the sum of request_logs weighted by the current model coefficients
// (joined by model_requested == models.name), falling back to the stored
// tokens_used counter when the key has no logged requests.
func (s *Store) List(ctx context.Context, offset, limit int) ([]*gateway.UserKey, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM user_keys`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count keys: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+userKeyColumns+`,
			COALESCE(w.weighted_sum, uk.tokens_used) AS weighted_tokens_used
		FROM user_keys uk
		LEFT JOIN (
			SELECT rl.user_key_id,
				SUM(ROUND(COALESCE(rl.prompt_tokens, 0) * COALESCE(m.input_token_coefficient, 1.0)
					+ COALESCE(rl.completion_tokens, 0) * COALESCE(m.output_token_coefficient, 1.0)))::BIGINT AS weighted_sum
			FROM request_logs rl
			LEFT JOIN models m ON m.name = rl.model_requested
			GROUP BY rl.user_key_id
		) w ON w.user_key_id = uk.id
		ORDER BY uk.created_at DESC
		OFFSET $1 LIMIT $2`, offset, limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list keys: %w", err)
	}
	defer rows.Close()

	var out []*gateway.UserKey
	for rows.Next() {
		var k gateway.UserKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive,
			&k.TokenBudget, &k.TokensUsed, &k.CreatedAt, &k.UpdatedAt, &k.WeightedTokensUsed); err != nil {
			return nil, 0, err
		}
		out = append(out, &k)
	}
	return out, total, rows.Err()
}

// Update implements storage.KeyStore.
func (s *Store) Update(ctx context.Context, id string, tokenBudget *int64, resetUsage bool) (*gateway.UserKey, error) {
	query := `UPDATE user_keys SET token_budget = $1, updated_at = NOW()`
	args := []any{tokenBudget}
	if resetUsage {
		query += `, tokens_used = 0`
	}
	query += ` WHERE id = $2 RETURNING ` + userKeyColumns
	args = append(args, id)

	row := s.pool.QueryRow(ctx, query, args...)
	key, err := scanUserKey(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: update key: %w", err)
	}
	return key, nil
}

// GetByHash implements storage.KeyStore.
func (s *Store) GetByHash(ctx context.Context, hash string) (*gateway.UserKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userKeyColumns+`
		FROM user_keys
		WHERE key_hash = $1 AND is_active`, hash,
	)
	return scanUserKey(row)
}

// GetByID implements storage.KeyStore.
func (s *Store) GetByID(ctx context.Context, id string) (*gateway.UserKey, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userKeyColumns+` FROM user_keys WHERE id = $1`, id)
	return scanUserKey(row)
}

// IncrementUsed implements storage.KeyStore with a single atomic UPDATE --
// no read-modify-write, safe under concurrent requests.
func (s *Store) IncrementUsed(ctx context.Context, id string, delta int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_keys SET tokens_used = tokens_used + $1, updated_at = NOW()
		WHERE id = $2`, delta, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: increment tokens_used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// ActiveHashes implements storage.KeyStore.
func (s *Store) ActiveHashes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key_hash FROM user_keys WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("postgres: active hashes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
