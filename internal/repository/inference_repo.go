package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oemwatch/oemwatch/internal/models"
)

// ModelSpend is monthly spend aggregated per provider/model.
type ModelSpend struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// SQLiteInferenceLogRepository implements inference log persistence.
type SQLiteInferenceLogRepository struct {
	db DBTX
}

// NewSQLiteInferenceLogRepository creates a new SQLite inference log repository.
func NewSQLiteInferenceLogRepository(db DBTX) *SQLiteInferenceLogRepository {
	return &SQLiteInferenceLogRepository{db: db}
}

func (r *SQLiteInferenceLogRepository) Insert(ctx context.Context, log *models.InferenceLog) error {
	if log.ID == "" {
		log.ID = ulid.Make().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO ai_inference_log (id, provider, model, task_type, input_tokens,
			output_tokens, cost_usd, latency_ms, status, was_fallback, prompt_hash,
			response_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.Provider,
		log.Model,
		log.TaskType,
		log.InputTokens,
		log.OutputTokens,
		log.CostUSD,
		log.LatencyMs,
		log.Status,
		boolToInt(log.WasFallback),
		log.PromptHash,
		nullString(log.ResponseHash),
		log.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert inference log: %w", err)
	}
	return nil
}

// MonthlySpend aggregates cost per provider/model for the month containing t.
// Feeds both the cost estimates endpoint and the router's spend cap bootstrap.
func (r *SQLiteInferenceLogRepository) MonthlySpend(ctx context.Context, t time.Time) ([]ModelSpend, error) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	query := `
		SELECT provider, model, COUNT(*), COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM ai_inference_log
		WHERE created_at >= ? AND created_at < ?
		GROUP BY provider, model
		ORDER BY SUM(cost_usd) DESC
	`
	rows, err := r.db.QueryContext(ctx, query,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query monthly spend: %w", err)
	}
	defer rows.Close()

	var out []ModelSpend
	for rows.Next() {
		var s ModelSpend
		if err := rows.Scan(&s.Provider, &s.Model, &s.Calls, &s.InputTokens, &s.OutputTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan monthly spend: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListRecent returns the newest log rows.
func (r *SQLiteInferenceLogRepository) ListRecent(ctx context.Context, limit int) ([]*models.InferenceLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, provider, model, task_type, input_tokens, output_tokens,
		cost_usd, latency_ms, status, was_fallback, prompt_hash, response_hash, created_at
		FROM ai_inference_log ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query inference logs: %w", err)
	}
	defer rows.Close()

	var out []*models.InferenceLog
	for rows.Next() {
		var l models.InferenceLog
		var wasFallback int
		var responseHash sql.NullString
		var createdAt string
		err := rows.Scan(
			&l.ID, &l.Provider, &l.Model, &l.TaskType, &l.InputTokens, &l.OutputTokens,
			&l.CostUSD, &l.LatencyMs, &l.Status, &wasFallback, &l.PromptHash,
			&responseHash, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inference log: %w", err)
		}
		l.WasFallback = wasFallback != 0
		l.ResponseHash = responseHash.String
		l.CreatedAt = mustTime(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
