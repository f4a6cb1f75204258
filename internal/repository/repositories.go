package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Repositories bundles every repository over one handle. New takes the shared
// *sql.DB; Transact rebinds the same repositories to a transaction so a
// catalogue upsert and its version and event rows commit atomically.
type Repositories struct {
	db *sql.DB

	Pages     *SQLiteSourcePageRepository
	APIs      *SQLiteDiscoveredAPIRepository
	Products  *SQLiteProductRepository
	Offers    *SQLiteOfferRepository
	Banners   *SQLiteBannerRepository
	Events    *SQLiteChangeEventRepository
	Runs      *SQLiteImportRunRepository
	Inference *SQLiteInferenceLogRepository
}

// New creates the repository bundle over a database handle.
func New(db *sql.DB) *Repositories {
	return &Repositories{
		db:        db,
		Pages:     NewSQLiteSourcePageRepository(db),
		APIs:      NewSQLiteDiscoveredAPIRepository(db),
		Products:  NewSQLiteProductRepository(db),
		Offers:    NewSQLiteOfferRepository(db),
		Banners:   NewSQLiteBannerRepository(db),
		Events:    NewSQLiteChangeEventRepository(db),
		Runs:      NewSQLiteImportRunRepository(db),
		Inference: NewSQLiteInferenceLogRepository(db),
	}
}

// Transact runs fn inside a transaction, passing a bundle whose repositories
// all write through that transaction. Any error rolls back.
func (r *Repositories) Transact(ctx context.Context, fn func(tx *Repositories) error) error {
	if r.db == nil {
		return fmt.Errorf("repositories not bound to a database")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	bound := &Repositories{
		Pages:     NewSQLiteSourcePageRepository(tx),
		APIs:      NewSQLiteDiscoveredAPIRepository(tx),
		Products:  NewSQLiteProductRepository(tx),
		Offers:    NewSQLiteOfferRepository(tx),
		Banners:   NewSQLiteBannerRepository(tx),
		Events:    NewSQLiteChangeEventRepository(tx),
		Runs:      NewSQLiteImportRunRepository(tx),
		Inference: NewSQLiteInferenceLogRepository(tx),
	}

	if err := fn(bound); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
