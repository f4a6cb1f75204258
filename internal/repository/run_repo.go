package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oemwatch/oemwatch/internal/models"
)

const importRunColumns = `id, oem_id, started_at, finished_at, status,
	pages_checked, pages_changed, products_upserted, offers_upserted,
	error_count, error_json`

// SQLiteImportRunRepository implements import run persistence.
type SQLiteImportRunRepository struct {
	db DBTX
}

// NewSQLiteImportRunRepository creates a new SQLite import run repository.
func NewSQLiteImportRunRepository(db DBTX) *SQLiteImportRunRepository {
	return &SQLiteImportRunRepository{db: db}
}

// Create opens a run in the running state.
func (r *SQLiteImportRunRepository) Create(ctx context.Context, run *models.ImportRun) error {
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}
	query := `
		INSERT INTO import_runs (` + importRunColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.OEMID,
		run.StartedAt.UTC().Format(time.RFC3339),
		nullTime(run.FinishedAt),
		run.Status,
		run.PagesChecked,
		run.PagesChanged,
		run.ProductsUpserted,
		run.OffersUpserted,
		run.ErrorCount,
		nullString(run.ErrorJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to create import run: %w", err)
	}
	return nil
}

// Finish closes a run with its final counters.
func (r *SQLiteImportRunRepository) Finish(ctx context.Context, run *models.ImportRun) error {
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	query := `
		UPDATE import_runs SET
			finished_at = ?, status = ?, pages_checked = ?, pages_changed = ?,
			products_upserted = ?, offers_upserted = ?, error_count = ?, error_json = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		nullTime(run.FinishedAt),
		run.Status,
		run.PagesChecked,
		run.PagesChanged,
		run.ProductsUpserted,
		run.OffersUpserted,
		run.ErrorCount,
		nullString(run.ErrorJSON),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish import run: %w", err)
	}
	return nil
}

// MarkStaleRunningFailed closes runs left in the running state by a previous
// process. Called once at startup.
func (r *SQLiteImportRunRepository) MarkStaleRunningFailed(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx,
		`UPDATE import_runs SET status = ?, finished_at = ? WHERE status = ?`,
		models.RunStatusFailed, now, models.RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (r *SQLiteImportRunRepository) GetByID(ctx context.Context, id string) (*models.ImportRun, error) {
	query := `SELECT ` + importRunColumns + ` FROM import_runs WHERE id = ?`
	run, err := scanImportRun(r.db.QueryRowContext(ctx, query, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// List returns recent runs, newest first. An empty oemID lists across OEMs.
func (r *SQLiteImportRunRepository) List(ctx context.Context, oemID string, limit int) ([]*models.ImportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + importRunColumns + ` FROM import_runs`
	var args []any
	if oemID != "" {
		query += ` WHERE oem_id = ?`
		args = append(args, oemID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query import runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ImportRun
	for rows.Next() {
		run, err := scanImportRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanImportRun(scan func(...any) error) (*models.ImportRun, error) {
	var run models.ImportRun
	var startedAt string
	var finishedAt, errorJSON sql.NullString

	err := scan(
		&run.ID, &run.OEMID, &startedAt, &finishedAt, &run.Status,
		&run.PagesChecked, &run.PagesChanged, &run.ProductsUpserted,
		&run.OffersUpserted, &run.ErrorCount, &errorJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan import run: %w", err)
	}

	run.StartedAt = mustTime(startedAt)
	run.FinishedAt = scanTime(finishedAt)
	run.ErrorJSON = errorJSON.String
	return &run, nil
}
