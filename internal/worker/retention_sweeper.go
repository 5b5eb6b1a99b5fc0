package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/llmgateway/internal/storage"
)

const retentionSweepInterval = time.Hour

// RetentionSweeper periodically deletes request logs older than the
// configured retention window.
type RetentionSweeper struct {
	logs          storage.LogStore
	retentionDays int
}

// NewRetentionSweeper creates a RetentionSweeper. Callers should not
// construct one when retentionDays is 0 (retention disabled); the gateway's
// startup wiring omits this worker entirely in that case.
func NewRetentionSweeper(logs storage.LogStore, retentionDays int) *RetentionSweeper {
	return &RetentionSweeper{logs: logs, retentionDays: retentionDays}
}

// Name returns the worker identifier.
func (w *RetentionSweeper) Name() string { return "retention_sweeper" }

// Run sweeps immediately, then every hour until ctx is cancelled.
func (w *RetentionSweeper) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *RetentionSweeper) sweep(ctx context.Context) {
	deleted, err := w.logs.CleanupOlderThan(ctx, w.retentionDays)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if deleted > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "retention sweep completed",
			slog.Int64("deleted", deleted),
		)
	}
}
