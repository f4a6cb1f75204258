package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oemwatch/oemwatch/internal/models"
)

const changeEventColumns = `id, oem_id, entity_type, entity_id, event_type,
	severity, summary, diff_json, created_at`

// EventFilter narrows a change event listing. Zero values mean no filter.
type EventFilter struct {
	OEMID      string
	EntityType models.EntityType
	EventType  models.EventType
	Severity   models.Severity
	Since      *time.Time
	Limit      int
}

// SQLiteChangeEventRepository implements change event persistence.
type SQLiteChangeEventRepository struct {
	db DBTX
}

// NewSQLiteChangeEventRepository creates a new SQLite change event repository.
func NewSQLiteChangeEventRepository(db DBTX) *SQLiteChangeEventRepository {
	return &SQLiteChangeEventRepository{db: db}
}

func (r *SQLiteChangeEventRepository) Insert(ctx context.Context, e *models.ChangeEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO change_events (` + changeEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var entityID sql.NullString
	if e.EntityID != nil {
		entityID = sql.NullString{String: *e.EntityID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.OEMID,
		e.EntityType,
		entityID,
		e.EventType,
		e.Severity,
		e.Summary,
		nullString(e.DiffJSON),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change event: %w", err)
	}
	return nil
}

func (r *SQLiteChangeEventRepository) List(ctx context.Context, filter EventFilter) ([]*models.ChangeEvent, error) {
	var conds []string
	var args []any
	if filter.OEMID != "" {
		conds = append(conds, "oem_id = ?")
		args = append(args, filter.OEMID)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}

	query := `SELECT ` + changeEventColumns + ` FROM change_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change events: %w", err)
	}
	defer rows.Close()

	var events []*models.ChangeEvent
	for rows.Next() {
		e, err := scanChangeEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanChangeEvent(scan func(...any) error) (*models.ChangeEvent, error) {
	var e models.ChangeEvent
	var entityID, diffJSON sql.NullString
	var createdAt string

	err := scan(
		&e.ID, &e.OEMID, &e.EntityType, &entityID, &e.EventType,
		&e.Severity, &e.Summary, &diffJSON, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan change event: %w", err)
	}

	if entityID.Valid {
		e.EntityID = &entityID.String
	}
	e.DiffJSON = diffJSON.String
	e.CreatedAt = mustTime(createdAt)
	return &e, nil
}
