package repository

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/oemwatch/oemwatch/internal/database/migrations"
	"github.com/oemwatch/oemwatch/internal/models"
)

// setupTestDB creates an in-memory SQLite database, runs migrations, and
// returns a connection cleaned up when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories over a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	return New(setupTestDB(t))
}

func testProduct(oemID, key string) *models.Product {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Product{
		OEMID:        oemID,
		ExternalKey:  key,
		Title:        "Terrain X",
		Availability: "available",
		Price:        &models.Price{Amount: 4299000, Currency: "AUD", Type: "driveaway"},
		KeyFeatures:  []string{"AWD", "Heated seats"},
		ContentHash:  "hash-" + key,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
}

func testOffer(oemID, key string) *models.Offer {
	now := time.Now().UTC().Truncate(time.Second)
	end := now.AddDate(0, 1, 0)
	return &models.Offer{
		OEMID:            oemID,
		ExternalKey:      key,
		Title:            "EOFY Driveaway",
		OfferType:        "driveaway",
		ApplicableModels: []string{"terrain-x"},
		ValidityEnd:      &end,
		SavingAmount:     250000,
		ContentHash:      "hash-" + key,
		FirstSeenAt:      now,
		LastSeenAt:       now,
	}
}
