package catalog

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/database/migrations"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/repository"
)

func setupStore(t *testing.T) (*Store, *repository.Repositories) {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repos := repository.New(db)
	return NewStore(repos, nil, slog.Default()), repos
}

func testOEM() *config.OEM {
	return &config.OEM{
		ID:             "toyota",
		Name:           "Toyota",
		BaseURL:        "https://www.toyota.example",
		CriticalFields: []string{"price"},
	}
}

func sampleProduct(key string, amount int64) models.Product {
	return models.Product{
		ExternalKey:  key,
		Title:        "Terrain X",
		Availability: "available",
		Price:        &models.Price{Amount: amount, Currency: "AUD", Type: "driveaway"},
		KeyFeatures:  []string{"AWD"},
	}
}

func TestApplyCreatesProduct(t *testing.T) {
	store, repos := setupStore(t)
	ctx := context.Background()

	res, err := store.Apply(ctx, testOEM(), []models.Product{sampleProduct("terrain-x", 5999000)}, nil, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.ProductsUpserted != 1 {
		t.Fatalf("expected 1 product upserted, got %d", res.ProductsUpserted)
	}
	if len(res.Events) != 1 || res.Events[0].EventType != models.EventCreated {
		t.Fatalf("expected a created event, got %+v", res.Events)
	}
	if res.Events[0].Severity != models.SeverityMedium {
		t.Errorf("expected medium severity for creation, got %s", res.Events[0].Severity)
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got == nil || got.ContentHash == "" {
		t.Fatalf("expected stored product with hash, got %+v", got)
	}

	versions, err := repos.Products.ListVersions(ctx, got.ID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version snapshot, got %d", len(versions))
	}
}

func TestApplyUnchangedTouchesOnly(t *testing.T) {
	store, repos := setupStore(t)
	ctx := context.Background()
	oem := testOEM()

	if _, err := store.Apply(ctx, oem, []models.Product{sampleProduct("terrain-x", 5999000)}, nil, nil); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	first, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := store.Apply(ctx, oem, []models.Product{sampleProduct("terrain-x", 5999000)}, nil, nil)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if res.ProductsUpserted != 0 || len(res.Events) != 0 {
		t.Fatalf("expected a no-op touch, got %+v", res)
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if !got.LastSeenAt.After(first.LastSeenAt) {
		t.Errorf("expected last_seen_at to advance: %v vs %v", got.LastSeenAt, first.LastSeenAt)
	}
	if got.ContentHash != first.ContentHash {
		t.Errorf("hash must not change on a touch")
	}
}

func TestApplyPriceChangeClassifiedHigh(t *testing.T) {
	store, repos := setupStore(t)
	ctx := context.Background()
	oem := testOEM()

	if _, err := store.Apply(ctx, oem, []models.Product{sampleProduct("terrain-x", 5999000)}, nil, nil); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	// 5999000 -> 6499000 is an 8.3% jump, over the 5% threshold.
	res, err := store.Apply(ctx, oem, []models.Product{sampleProduct("terrain-x", 6499000)}, nil, nil)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(res.Events))
	}
	e := res.Events[0]
	if e.EventType != models.EventPriceChanged {
		t.Errorf("expected price_changed, got %s", e.EventType)
	}
	// High from the threshold, bumped critical because price is critical for
	// this OEM.
	if e.Severity != models.SeverityCritical {
		t.Errorf("expected critical severity, got %s", e.Severity)
	}
	if e.DiffJSON == "" {
		t.Error("expected diff payload on the event")
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	versions, err := repos.Products.ListVersions(ctx, got.ID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions after change, got %d", len(versions))
	}
}

func TestApplyOfferLifecycle(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	oem := testOEM()

	end := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)
	offer := models.Offer{
		ExternalKey:  "eofy",
		Title:        "EOFY Deal",
		OfferType:    "cashback",
		SavingAmount: 150000,
		ValidityEnd:  &end,
	}
	res, err := store.Apply(ctx, oem, nil, []models.Offer{offer}, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.OffersUpserted != 1 || len(res.Events) != 1 {
		t.Fatalf("expected offer creation, got %+v", res)
	}

	// Pulling validity_end into the past flips the offer from live to dead.
	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	offer.ValidityEnd = &past
	res, err = store.Apply(ctx, oem, nil, []models.Offer{offer}, nil)
	if err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(res.Events))
	}
	if res.Events[0].EventType != models.EventValidityChanged {
		t.Errorf("expected validity_changed, got %s", res.Events[0].EventType)
	}
	if res.Events[0].Severity != models.SeverityHigh {
		t.Errorf("expected high severity, got %s", res.Events[0].Severity)
	}
}

func TestFoldVariantsHoistedChildren(t *testing.T) {
	parent := models.Product{ExternalKey: "terrain-x", Title: "Terrain X"}
	child1 := models.Product{
		ExternalKey: "terrain-x-gx",
		Title:       "Terrain X GX",
		Price:       &models.Price{Amount: 5999000, Currency: "AUD"},
		Meta:        map[string]string{"parent_external_key": "terrain-x"},
	}
	child2 := models.Product{
		ExternalKey: "terrain-x-vx",
		Title:       "Terrain X VX",
		Price:       &models.Price{Amount: 6899000, Currency: "AUD"},
		Meta:        map[string]string{"parent_external_key": "terrain-x"},
	}

	out := foldVariants([]models.Product{parent, child1, child2})
	if len(out) != 1 {
		t.Fatalf("expected children folded into parent, got %d products", len(out))
	}
	p := out[0]
	if len(p.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(p.Variants))
	}
	if p.Variants[0].ExternalKey != "terrain-x-gx" || p.Variants[1].ExternalKey != "terrain-x-vx" {
		t.Errorf("variant order not preserved: %+v", p.Variants)
	}
	// Parent had no price, so it takes the cheapest variant as a from price.
	if p.Price == nil || p.Price.Amount != 5999000 || p.Price.Type != "from" {
		t.Errorf("expected from-price 5999000, got %+v", p.Price)
	}
}

func TestFoldVariantsOrphanChildStaysProduct(t *testing.T) {
	orphan := models.Product{
		ExternalKey: "mystery-trim",
		Title:       "Mystery",
		Meta:        map[string]string{"parent_external_key": "not-in-batch"},
	}
	out := foldVariants([]models.Product{orphan})
	if len(out) != 1 || out[0].ExternalKey != "mystery-trim" {
		t.Fatalf("orphan child must survive as a product, got %+v", out)
	}
}

func TestReconcileRemovals(t *testing.T) {
	store, repos := setupStore(t)
	ctx := context.Background()
	oem := testOEM()

	if _, err := store.Apply(ctx, oem,
		[]models.Product{sampleProduct("stale-model", 4500000)},
		[]models.Offer{{ExternalKey: "stale-offer", Title: "Old Deal"}},
		nil,
	); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Everything was just seen; a past cutoff removes nothing.
	res, err := store.ReconcileRemovals(ctx, oem, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReconcileRemovals failed: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected nothing removed inside grace window, got %d events", len(res.Events))
	}

	res, err = store.ReconcileRemovals(ctx, oem, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReconcileRemovals failed: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 removal events, got %d", len(res.Events))
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "stale-model")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got.Availability != "discontinued" {
		t.Errorf("expected discontinued, got %q", got.Availability)
	}

	// The availability flip is a content change, so it gets its own version
	// snapshot alongside the re-hash.
	versions, err := repos.Products.ListVersions(ctx, got.ID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected a version for the discontinued flip, got %d", len(versions))
	}
	if versions[0].ContentHash == versions[1].ContentHash {
		t.Error("expected the discontinued version to carry a new hash")
	}
	if versions[0].ContentHash != got.ContentHash && versions[1].ContentHash != got.ContentHash {
		t.Error("expected a version matching the discontinued product hash")
	}

	offer, err := repos.Offers.GetByKey(ctx, "toyota", "stale-offer")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if offer != nil {
		t.Error("expected stale offer deleted")
	}
}

type captureNotifier struct {
	events []models.ChangeEvent
}

func (c *captureNotifier) Notify(e models.ChangeEvent) { c.events = append(c.events, e) }

func TestApplyNotifiesAfterCommit(t *testing.T) {
	store, _ := setupStore(t)
	n := &captureNotifier{}
	store.notifier = n

	_, err := store.Apply(context.Background(), testOEM(),
		[]models.Product{sampleProduct("terrain-x", 5999000)}, nil, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(n.events) != 1 || n.events[0].EventType != models.EventCreated {
		t.Fatalf("expected notifier to receive the created event, got %+v", n.events)
	}
}
