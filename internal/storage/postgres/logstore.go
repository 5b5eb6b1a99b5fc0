package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	gateway "github.com/eugener/llmgateway/internal"
	"github.com/eugener/llmgateway/internal/storage"
)

// Insert implements storage.LogStore.
func (s *Store) Insert(ctx context.Context, log *gateway.RequestLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_logs (
			id, request_id, user_key_id, user_key_hash, model_requested, model_sent,
			provider_id, provider_kind, status_code, is_error,
			prompt_tokens, completion_tokens, total_tokens, latency_ms, is_stream,
			request_body, response_body, error_message
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18
		)`,
		log.ID, log.RequestID, nullableString(log.UserKeyID), nullableString(log.UserKeyHash),
		log.ModelRequested, nullableString(log.ModelSent),
		nullableString(log.ProviderID), nullableString(string(log.ProviderKind)), log.StatusCode, log.IsError,
		log.PromptTokens, log.CompletionTokens, log.TotalTokens, log.LatencyMs, log.IsStream,
		nullableBytes(log.RequestBody), nullableBytes(log.ResponseBody), nullableString(log.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert log: %w", err)
	}
	return nil
}

// nullableString converts an empty string to nil so the column stores SQL
// NULL rather than an empty string, matching the table's nullable columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// ListLogs implements storage.LogStore. The weighted_total_tokens projection
// joins request_logs to models by name, defaulting both coefficients to 1.0
// when the model row no longer exists.
func (s *Store) ListLogs(ctx context.Context, params storage.ListLogsParams) ([]*gateway.RequestLog, int, error) {
	page := params.Page
	if page < 1 {
		page = 1
	}
	perPage := params.PerPage
	switch {
	case perPage < 1:
		perPage = 50
	case perPage > 200:
		perPage = 200
	}
	offset := (page - 1) * perPage

	where := "WHERE ($1 = '' OR rl.user_key_id::text = $1) AND ($2 = '' OR rl.model_requested = $2)"

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_logs rl `+where,
		params.KeyID, params.Model).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count logs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT rl.id, rl.request_id, rl.user_key_id, rl.user_key_hash, rl.model_requested, rl.model_sent,
			rl.provider_id, rl.provider_kind, rl.status_code, rl.is_error,
			rl.prompt_tokens, rl.completion_tokens, rl.total_tokens, rl.latency_ms, rl.is_stream,
			rl.request_body, rl.response_body, rl.error_message, rl.created_at,
			ROUND(COALESCE(rl.prompt_tokens, 0) * COALESCE(m.input_token_coefficient, 1.0)
				+ COALESCE(rl.completion_tokens, 0) * COALESCE(m.output_token_coefficient, 1.0))::BIGINT AS weighted_total_tokens
		FROM request_logs rl
		LEFT JOIN models m ON m.name = rl.model_requested
		`+where+`
		ORDER BY rl.created_at DESC
		OFFSET $3 LIMIT $4`,
		params.KeyID, params.Model, offset, perPage,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list logs: %w", err)
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		var l gateway.RequestLog
		var userKeyID, userKeyHash, modelSent, providerID, providerKind, errMsg *string
		var weighted int64
		if err := rows.Scan(&l.ID, &l.RequestID, &userKeyID, &userKeyHash, &l.ModelRequested, &modelSent,
			&providerID, &providerKind, &l.StatusCode, &l.IsError,
			&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &l.LatencyMs, &l.IsStream,
			&l.RequestBody, &l.ResponseBody, &errMsg, &l.CreatedAt, &weighted); err != nil {
			return nil, 0, err
		}
		l.UserKeyID = deref(userKeyID)
		l.UserKeyHash = deref(userKeyHash)
		l.ModelSent = deref(modelSent)
		l.ProviderID = deref(providerID)
		l.ProviderKind = gateway.ProviderKind(deref(providerKind))
		l.ErrorMessage = deref(errMsg)
		l.WeightedTotalTokens = &weighted
		out = append(out, &l)
	}
	return out, total, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// CleanupOlderThan implements storage.LogStore, deleting logs older than the
// retention window and reporting how many rows were removed.
func (s *Store) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM request_logs
		WHERE created_at < NOW() - make_interval(days => $1)`, retentionDays,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
