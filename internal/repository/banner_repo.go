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

const bannerColumns = `id, oem_id, external_key, headline, subtext, image_url,
	target_url, meta, content_hash, first_seen_at, last_seen_at`

// SQLiteBannerRepository implements banner persistence.
type SQLiteBannerRepository struct {
	db DBTX
}

// NewSQLiteBannerRepository creates a new SQLite banner repository.
func NewSQLiteBannerRepository(db DBTX) *SQLiteBannerRepository {
	return &SQLiteBannerRepository{db: db}
}

func (r *SQLiteBannerRepository) GetByKey(ctx context.Context, oemID, externalKey string) (*models.Banner, error) {
	query := `SELECT ` + bannerColumns + ` FROM banners WHERE oem_id = ? AND external_key = ?`
	b, err := scanBanner(r.db.QueryRowContext(ctx, query, oemID, externalKey).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *SQLiteBannerRepository) Insert(ctx context.Context, b *models.Banner) error {
	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	query := `
		INSERT INTO banners (` + bannerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		b.ID,
		b.OEMID,
		b.ExternalKey,
		nullString(b.Headline),
		nullString(b.Subtext),
		nullString(b.ImageURL),
		nullString(b.TargetURL),
		jsonColumn(b.Meta),
		b.ContentHash,
		b.FirstSeenAt.UTC().Format(time.RFC3339),
		b.LastSeenAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert banner: %w", err)
	}
	return nil
}

func (r *SQLiteBannerRepository) Update(ctx context.Context, b *models.Banner) error {
	query := `
		UPDATE banners SET
			headline = ?, subtext = ?, image_url = ?, target_url = ?, meta = ?,
			content_hash = ?, last_seen_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		nullString(b.Headline),
		nullString(b.Subtext),
		nullString(b.ImageURL),
		nullString(b.TargetURL),
		jsonColumn(b.Meta),
		b.ContentHash,
		b.LastSeenAt.UTC().Format(time.RFC3339),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update banner: %w", err)
	}
	return nil
}

// Touch bumps last_seen_at without changing content.
func (r *SQLiteBannerRepository) Touch(ctx context.Context, id string, seenAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE banners SET last_seen_at = ? WHERE id = ?`,
		seenAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch banner: %w", err)
	}
	return nil
}

func (r *SQLiteBannerRepository) ListByOEM(ctx context.Context, oemID string) ([]*models.Banner, error) {
	query := `SELECT ` + bannerColumns + ` FROM banners WHERE oem_id = ? ORDER BY external_key`
	rows, err := r.db.QueryContext(ctx, query, oemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query banners: %w", err)
	}
	defer rows.Close()

	var out []*models.Banner
	for rows.Next() {
		b, err := scanBanner(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBanner(scan func(...any) error) (*models.Banner, error) {
	var b models.Banner
	var headline, subtext, imageURL, targetURL, meta sql.NullString
	var firstSeen, lastSeen string

	err := scan(
		&b.ID, &b.OEMID, &b.ExternalKey, &headline, &subtext, &imageURL,
		&targetURL, &meta, &b.ContentHash, &firstSeen, &lastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan banner: %w", err)
	}

	b.Headline = headline.String
	b.Subtext = subtext.String
	b.ImageURL = imageURL.String
	b.TargetURL = targetURL.String
	b.Meta = unmarshalColumn[map[string]string](meta)
	b.FirstSeenAt = mustTime(firstSeen)
	b.LastSeenAt = mustTime(lastSeen)
	return &b, nil
}
