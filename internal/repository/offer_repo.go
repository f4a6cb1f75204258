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

const offerColumns = `id, oem_id, external_key, title, offer_type, description,
	applicable_models, validity_start, validity_end, saving_amount, price_json,
	cta_links, meta, content_hash, first_seen_at, last_seen_at`

// SQLiteOfferRepository implements offer persistence.
type SQLiteOfferRepository struct {
	db DBTX
}

// NewSQLiteOfferRepository creates a new SQLite offer repository.
func NewSQLiteOfferRepository(db DBTX) *SQLiteOfferRepository {
	return &SQLiteOfferRepository{db: db}
}

func (r *SQLiteOfferRepository) GetByKey(ctx context.Context, oemID, externalKey string) (*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE oem_id = ? AND external_key = ?`
	o, err := scanOffer(r.db.QueryRowContext(ctx, query, oemID, externalKey).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (r *SQLiteOfferRepository) Insert(ctx context.Context, o *models.Offer) error {
	if o.ID == "" {
		o.ID = ulid.Make().String()
	}
	query := `
		INSERT INTO offers (` + offerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		o.ID,
		o.OEMID,
		o.ExternalKey,
		o.Title,
		nullString(o.OfferType),
		nullString(o.Description),
		jsonColumn(o.ApplicableModels),
		nullTime(o.ValidityStart),
		nullTime(o.ValidityEnd),
		o.SavingAmount,
		jsonColumn(o.Price),
		jsonColumn(o.CTALinks),
		jsonColumn(o.Meta),
		o.ContentHash,
		o.FirstSeenAt.UTC().Format(time.RFC3339),
		o.LastSeenAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

func (r *SQLiteOfferRepository) Update(ctx context.Context, o *models.Offer) error {
	query := `
		UPDATE offers SET
			title = ?, offer_type = ?, description = ?, applicable_models = ?,
			validity_start = ?, validity_end = ?, saving_amount = ?, price_json = ?,
			cta_links = ?, meta = ?, content_hash = ?, last_seen_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		o.Title,
		nullString(o.OfferType),
		nullString(o.Description),
		jsonColumn(o.ApplicableModels),
		nullTime(o.ValidityStart),
		nullTime(o.ValidityEnd),
		o.SavingAmount,
		jsonColumn(o.Price),
		jsonColumn(o.CTALinks),
		jsonColumn(o.Meta),
		o.ContentHash,
		o.LastSeenAt.UTC().Format(time.RFC3339),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update offer: %w", err)
	}
	return nil
}

// Touch bumps last_seen_at without changing content.
func (r *SQLiteOfferRepository) Touch(ctx context.Context, id string, seenAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE offers SET last_seen_at = ? WHERE id = ?`,
		seenAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch offer: %w", err)
	}
	return nil
}

func (r *SQLiteOfferRepository) ListByOEM(ctx context.Context, oemID string) ([]*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE oem_id = ? ORDER BY external_key`
	rows, err := r.db.QueryContext(ctx, query, oemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var out []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListStale returns offers last seen before the cutoff, for removal
// reconciliation at the end of a run.
func (r *SQLiteOfferRepository) ListStale(ctx context.Context, oemID string, cutoff time.Time) ([]*models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE oem_id = ? AND last_seen_at < ?`
	rows, err := r.db.QueryContext(ctx, query, oemID, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale offers: %w", err)
	}
	defer rows.Close()

	var out []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Delete removes an offer and its versions. Used when an expired offer
// disappears from the site.
func (r *SQLiteOfferRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM offer_versions WHERE offer_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete offer versions: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM offers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete offer: %w", err)
	}
	return nil
}

// InsertVersion appends an immutable snapshot keyed by (offer_id, content_hash).
func (r *SQLiteOfferRepository) InsertVersion(ctx context.Context, v *models.OfferVersion) error {
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	if v.CapturedAt.IsZero() {
		v.CapturedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO offer_versions (id, offer_id, content_hash, snapshot, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(offer_id, content_hash) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.OfferID, v.ContentHash, v.Snapshot, v.CapturedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert offer version: %w", err)
	}
	return nil
}

func (r *SQLiteOfferRepository) ListVersions(ctx context.Context, offerID string) ([]*models.OfferVersion, error) {
	query := `SELECT id, offer_id, content_hash, snapshot, captured_at
		FROM offer_versions WHERE offer_id = ? ORDER BY captured_at`
	rows, err := r.db.QueryContext(ctx, query, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offer versions: %w", err)
	}
	defer rows.Close()

	var out []*models.OfferVersion
	for rows.Next() {
		var v models.OfferVersion
		var capturedAt string
		if err := rows.Scan(&v.ID, &v.OfferID, &v.ContentHash, &v.Snapshot, &capturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan offer version: %w", err)
		}
		v.CapturedAt = mustTime(capturedAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

func scanOffer(scan func(...any) error) (*models.Offer, error) {
	var o models.Offer
	var offerType, description sql.NullString
	var applicable, price, ctas, meta sql.NullString
	var validityStart, validityEnd sql.NullString
	var firstSeen, lastSeen string

	err := scan(
		&o.ID, &o.OEMID, &o.ExternalKey, &o.Title, &offerType, &description,
		&applicable, &validityStart, &validityEnd, &o.SavingAmount, &price,
		&ctas, &meta, &o.ContentHash, &firstSeen, &lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan offer: %w", err)
	}

	o.OfferType = offerType.String
	o.Description = description.String
	o.ApplicableModels = unmarshalColumn[[]string](applicable)
	o.ValidityStart = scanTime(validityStart)
	o.ValidityEnd = scanTime(validityEnd)
	o.Price = unmarshalColumn[*models.Price](price)
	o.CTALinks = unmarshalColumn[[]string](ctas)
	o.Meta = unmarshalColumn[map[string]string](meta)
	o.FirstSeenAt = mustTime(firstSeen)
	o.LastSeenAt = mustTime(lastSeen)
	return &o, nil
}
