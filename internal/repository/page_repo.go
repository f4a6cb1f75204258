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

const sourcePageColumns = `id, oem_id, url, page_type, depth, last_hash, last_rendered_hash,
	last_checked_at, last_changed_at, consecutive_no_change, consecutive_not_found,
	consecutive_blocked, status, error_message, created_at, updated_at`

// SQLiteSourcePageRepository implements SourcePageRepository for SQLite.
type SQLiteSourcePageRepository struct {
	db DBTX
}

// NewSQLiteSourcePageRepository creates a new SQLite source page repository.
func NewSQLiteSourcePageRepository(db DBTX) *SQLiteSourcePageRepository {
	return &SQLiteSourcePageRepository{db: db}
}

func (r *SQLiteSourcePageRepository) Create(ctx context.Context, page *models.SourcePage) error {
	if page.ID == "" {
		page.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	if page.Status == "" {
		page.Status = models.PageStatusActive
	}

	query := `
		INSERT INTO source_pages (` + sourcePageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oem_id, url) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		page.ID,
		page.OEMID,
		page.URL,
		page.PageType,
		page.Depth,
		nullString(page.LastHash),
		nullString(page.LastRenderedHash),
		nullTime(page.LastCheckedAt),
		nullTime(page.LastChangedAt),
		page.ConsecutiveNoChange,
		page.ConsecutiveNotFound,
		page.ConsecutiveBlocked,
		page.Status,
		nullString(page.ErrorMessage),
		page.CreatedAt.Format(time.RFC3339),
		page.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create source page: %w", err)
	}
	return nil
}

func (r *SQLiteSourcePageRepository) GetByID(ctx context.Context, id string) (*models.SourcePage, error) {
	query := `SELECT ` + sourcePageColumns + ` FROM source_pages WHERE id = ?`
	return r.scanPage(r.db.QueryRowContext(ctx, query, id))
}

func (r *SQLiteSourcePageRepository) GetByURL(ctx context.Context, oemID, url string) (*models.SourcePage, error) {
	query := `SELECT ` + sourcePageColumns + ` FROM source_pages WHERE oem_id = ? AND url = ?`
	return r.scanPage(r.db.QueryRowContext(ctx, query, oemID, url))
}

// ListActive returns every active page for an OEM.
func (r *SQLiteSourcePageRepository) ListActive(ctx context.Context, oemID string) ([]*models.SourcePage, error) {
	query := `SELECT ` + sourcePageColumns + ` FROM source_pages
		WHERE oem_id = ? AND status = ? ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, oemID, models.PageStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query source pages: %w", err)
	}
	defer rows.Close()
	return r.scanPages(rows)
}

func (r *SQLiteSourcePageRepository) Update(ctx context.Context, page *models.SourcePage) error {
	page.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE source_pages SET
			page_type = ?, depth = ?, last_hash = ?, last_rendered_hash = ?,
			last_checked_at = ?, last_changed_at = ?, consecutive_no_change = ?,
			consecutive_not_found = ?, consecutive_blocked = ?, status = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		page.PageType,
		page.Depth,
		nullString(page.LastHash),
		nullString(page.LastRenderedHash),
		nullTime(page.LastCheckedAt),
		nullTime(page.LastChangedAt),
		page.ConsecutiveNoChange,
		page.ConsecutiveNotFound,
		page.ConsecutiveBlocked,
		page.Status,
		nullString(page.ErrorMessage),
		page.UpdatedAt.Format(time.RFC3339),
		page.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update source page: %w", err)
	}
	return nil
}

func (r *SQLiteSourcePageRepository) scanPage(row *sql.Row) (*models.SourcePage, error) {
	page, err := scanSourcePage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return page, err
}

func (r *SQLiteSourcePageRepository) scanPages(rows *sql.Rows) ([]*models.SourcePage, error) {
	var pages []*models.SourcePage
	for rows.Next() {
		page, err := scanSourcePage(rows.Scan)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func scanSourcePage(scan func(...any) error) (*models.SourcePage, error) {
	var page models.SourcePage
	var lastHash, renderedHash, lastChecked, lastChanged, errMsg sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&page.ID, &page.OEMID, &page.URL, &page.PageType, &page.Depth,
		&lastHash, &renderedHash, &lastChecked, &lastChanged,
		&page.ConsecutiveNoChange, &page.ConsecutiveNotFound, &page.ConsecutiveBlocked,
		&page.Status, &errMsg, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan source page: %w", err)
	}

	page.LastHash = lastHash.String
	page.LastRenderedHash = renderedHash.String
	page.LastCheckedAt = scanTime(lastChecked)
	page.LastChangedAt = scanTime(lastChanged)
	page.ErrorMessage = errMsg.String
	page.CreatedAt = mustTime(createdAt)
	page.UpdatedAt = mustTime(updatedAt)
	return &page, nil
}
