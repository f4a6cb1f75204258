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

const discoveredAPIColumns = `id, oem_id, url, method, required_headers, data_type,
	reliability_score, last_success_at, last_failure_at, consecutive_failures,
	status, created_at, updated_at`

// SQLiteDiscoveredAPIRepository implements the API registry persistence.
type SQLiteDiscoveredAPIRepository struct {
	db DBTX
}

// NewSQLiteDiscoveredAPIRepository creates a new SQLite discovered API repository.
func NewSQLiteDiscoveredAPIRepository(db DBTX) *SQLiteDiscoveredAPIRepository {
	return &SQLiteDiscoveredAPIRepository{db: db}
}

// UpsertCandidate inserts a newly observed endpoint. An existing row for
// (oem_id, url, method) is returned untouched: a repeat sighting never
// downgrades an earned score.
func (r *SQLiteDiscoveredAPIRepository) UpsertCandidate(ctx context.Context, api *models.DiscoveredAPI) (*models.DiscoveredAPI, error) {
	existing, err := r.getByKey(ctx, api.OEMID, api.URL, api.Method)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if api.ID == "" {
		api.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	api.CreatedAt = now
	api.UpdatedAt = now
	if api.Status == "" {
		api.Status = models.APIStatusActive
	}

	query := `
		INSERT INTO discovered_apis (` + discoveredAPIColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oem_id, url, method) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		api.ID,
		api.OEMID,
		api.URL,
		api.Method,
		jsonColumn(api.RequiredHeaders),
		api.DataType,
		api.ReliabilityScore,
		nullTime(api.LastSuccessAt),
		nullTime(api.LastFailureAt),
		api.ConsecutiveFailures,
		api.Status,
		api.CreatedAt.Format(time.RFC3339),
		api.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert discovered api: %w", err)
	}
	return api, nil
}

func (r *SQLiteDiscoveredAPIRepository) Update(ctx context.Context, api *models.DiscoveredAPI) error {
	api.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE discovered_apis SET
			required_headers = ?, data_type = ?, reliability_score = ?,
			last_success_at = ?, last_failure_at = ?, consecutive_failures = ?,
			status = ?, updated_at = ?
		WHERE oem_id = ? AND url = ? AND method = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		jsonColumn(api.RequiredHeaders),
		api.DataType,
		api.ReliabilityScore,
		nullTime(api.LastSuccessAt),
		nullTime(api.LastFailureAt),
		api.ConsecutiveFailures,
		api.Status,
		api.UpdatedAt.Format(time.RFC3339),
		api.OEMID,
		api.URL,
		api.Method,
	)
	if err != nil {
		return fmt.Errorf("failed to update discovered api: %w", err)
	}
	return nil
}

func (r *SQLiteDiscoveredAPIRepository) ListActive(ctx context.Context, oemID string) ([]*models.DiscoveredAPI, error) {
	query := `SELECT ` + discoveredAPIColumns + ` FROM discovered_apis
		WHERE oem_id = ? AND status = ? ORDER BY reliability_score DESC`
	rows, err := r.db.QueryContext(ctx, query, oemID, models.APIStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query discovered apis: %w", err)
	}
	defer rows.Close()

	var apis []*models.DiscoveredAPI
	for rows.Next() {
		api, err := scanDiscoveredAPI(rows.Scan)
		if err != nil {
			return nil, err
		}
		apis = append(apis, api)
	}
	return apis, rows.Err()
}

func (r *SQLiteDiscoveredAPIRepository) getByKey(ctx context.Context, oemID, url, method string) (*models.DiscoveredAPI, error) {
	query := `SELECT ` + discoveredAPIColumns + ` FROM discovered_apis
		WHERE oem_id = ? AND url = ? AND method = ?`
	api, err := scanDiscoveredAPI(r.db.QueryRowContext(ctx, query, oemID, url, method).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return api, err
}

func scanDiscoveredAPI(scan func(...any) error) (*models.DiscoveredAPI, error) {
	var api models.DiscoveredAPI
	var headers, lastSuccess, lastFailure sql.NullString
	var createdAt, updatedAt string

	err := scan(
		&api.ID, &api.OEMID, &api.URL, &api.Method, &headers, &api.DataType,
		&api.ReliabilityScore, &lastSuccess, &lastFailure, &api.ConsecutiveFailures,
		&api.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan discovered api: %w", err)
	}

	api.RequiredHeaders = unmarshalColumn[map[string]string](headers)
	api.LastSuccessAt = scanTime(lastSuccess)
	api.LastFailureAt = scanTime(lastFailure)
	api.CreatedAt = mustTime(createdAt)
	api.UpdatedAt = mustTime(updatedAt)
	return &api, nil
}
