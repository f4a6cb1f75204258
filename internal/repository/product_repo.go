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

const productColumns = `id, oem_id, external_key, title, subtitle, body_type, fuel_type,
	availability, price_json, key_features, variants, cta_links, meta, content_hash,
	first_seen_at, last_seen_at`

// SQLiteProductRepository implements product persistence.
type SQLiteProductRepository struct {
	db DBTX
}

// NewSQLiteProductRepository creates a new SQLite product repository.
func NewSQLiteProductRepository(db DBTX) *SQLiteProductRepository {
	return &SQLiteProductRepository{db: db}
}

func (r *SQLiteProductRepository) GetByKey(ctx context.Context, oemID, externalKey string) (*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE oem_id = ? AND external_key = ?`
	p, err := scanProduct(r.db.QueryRowContext(ctx, query, oemID, externalKey).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *SQLiteProductRepository) Insert(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.OEMID,
		p.ExternalKey,
		p.Title,
		nullString(p.Subtitle),
		nullString(p.BodyType),
		nullString(p.FuelType),
		nullString(p.Availability),
		jsonColumn(p.Price),
		jsonColumn(p.KeyFeatures),
		jsonColumn(p.Variants),
		jsonColumn(p.CTALinks),
		jsonColumn(p.Meta),
		p.ContentHash,
		p.FirstSeenAt.UTC().Format(time.RFC3339),
		p.LastSeenAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (r *SQLiteProductRepository) Update(ctx context.Context, p *models.Product) error {
	query := `
		UPDATE products SET
			title = ?, subtitle = ?, body_type = ?, fuel_type = ?, availability = ?,
			price_json = ?, key_features = ?, variants = ?, cta_links = ?, meta = ?,
			content_hash = ?, last_seen_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		p.Title,
		nullString(p.Subtitle),
		nullString(p.BodyType),
		nullString(p.FuelType),
		nullString(p.Availability),
		jsonColumn(p.Price),
		jsonColumn(p.KeyFeatures),
		jsonColumn(p.Variants),
		jsonColumn(p.CTALinks),
		jsonColumn(p.Meta),
		p.ContentHash,
		p.LastSeenAt.UTC().Format(time.RFC3339),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return nil
}

// Touch bumps last_seen_at without changing content.
func (r *SQLiteProductRepository) Touch(ctx context.Context, id string, seenAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET last_seen_at = ? WHERE id = ?`,
		seenAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch product: %w", err)
	}
	return nil
}

func (r *SQLiteProductRepository) ListByOEM(ctx context.Context, oemID string) ([]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE oem_id = ? ORDER BY external_key`
	rows, err := r.db.QueryContext(ctx, query, oemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListStale returns products last seen before the cutoff that are not yet
// discontinued, for removal reconciliation.
func (r *SQLiteProductRepository) ListStale(ctx context.Context, oemID string, cutoff time.Time) ([]*models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products
		WHERE oem_id = ? AND last_seen_at < ? AND (availability IS NULL OR availability != 'discontinued')`
	rows, err := r.db.QueryContext(ctx, query, oemID, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale products: %w", err)
	}
	defer rows.Close()

	var out []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertVersion appends an immutable snapshot; the (product_id, content_hash)
// unique index makes re-captures of identical content no-ops.
func (r *SQLiteProductRepository) InsertVersion(ctx context.Context, v *models.ProductVersion) error {
	if v.ID == "" {
		v.ID = ulid.Make().String()
	}
	if v.CapturedAt.IsZero() {
		v.CapturedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO product_versions (id, product_id, content_hash, snapshot, captured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_id, content_hash) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.ProductID, v.ContentHash, v.Snapshot, v.CapturedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert product version: %w", err)
	}
	return nil
}

func (r *SQLiteProductRepository) ListVersions(ctx context.Context, productID string) ([]*models.ProductVersion, error) {
	query := `SELECT id, product_id, content_hash, snapshot, captured_at
		FROM product_versions WHERE product_id = ? ORDER BY captured_at`
	rows, err := r.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query product versions: %w", err)
	}
	defer rows.Close()

	var out []*models.ProductVersion
	for rows.Next() {
		var v models.ProductVersion
		var capturedAt string
		if err := rows.Scan(&v.ID, &v.ProductID, &v.ContentHash, &v.Snapshot, &capturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product version: %w", err)
		}
		v.CapturedAt = mustTime(capturedAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

func scanProduct(scan func(...any) error) (*models.Product, error) {
	var p models.Product
	var subtitle, bodyType, fuelType, availability sql.NullString
	var price, features, variants, ctas, meta sql.NullString
	var firstSeen, lastSeen string

	err := scan(
		&p.ID, &p.OEMID, &p.ExternalKey, &p.Title, &subtitle, &bodyType, &fuelType,
		&availability, &price, &features, &variants, &ctas, &meta, &p.ContentHash,
		&firstSeen, &lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}

	p.Subtitle = subtitle.String
	p.BodyType = bodyType.String
	p.FuelType = fuelType.String
	p.Availability = availability.String
	p.Price = unmarshalColumn[*models.Price](price)
	p.KeyFeatures = unmarshalColumn[[]string](features)
	p.Variants = unmarshalColumn[[]models.Variant](variants)
	p.CTALinks = unmarshalColumn[[]string](ctas)
	p.Meta = unmarshalColumn[map[string]string](meta)
	p.FirstSeenAt = mustTime(firstSeen)
	p.LastSeenAt = mustTime(lastSeen)
	return &p, nil
}
