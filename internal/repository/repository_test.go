package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oemwatch/oemwatch/internal/models"
)

func TestSourcePageCreateAndGet(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	page := &models.SourcePage{
		OEMID:    "toyota",
		URL:      "https://www.toyota.example/vehicles",
		PageType: models.PageTypeVehiclesIndex,
	}
	if err := repos.Pages.Create(ctx, page); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if page.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := repos.Pages.GetByURL(ctx, "toyota", "https://www.toyota.example/vehicles")
	if err != nil {
		t.Fatalf("GetByURL failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected page, got nil")
	}
	if got.Status != models.PageStatusActive {
		t.Errorf("expected active status, got %s", got.Status)
	}
	if got.PageType != models.PageTypeVehiclesIndex {
		t.Errorf("expected vehicles_index, got %s", got.PageType)
	}
}

func TestSourcePageCreateDuplicateURL(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	first := &models.SourcePage{OEMID: "toyota", URL: "https://www.toyota.example/", PageType: models.PageTypeHomepage}
	if err := repos.Pages.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dup := &models.SourcePage{OEMID: "toyota", URL: "https://www.toyota.example/", PageType: models.PageTypeOther}
	if err := repos.Pages.Create(ctx, dup); err != nil {
		t.Fatalf("duplicate Create should be a no-op, got: %v", err)
	}

	got, err := repos.Pages.GetByURL(ctx, "toyota", "https://www.toyota.example/")
	if err != nil {
		t.Fatalf("GetByURL failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected original row to survive, got id %s", got.ID)
	}
	if got.PageType != models.PageTypeHomepage {
		t.Errorf("expected homepage, got %s", got.PageType)
	}
}

func TestSourcePageUpdate(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	page := &models.SourcePage{OEMID: "mazda", URL: "https://www.mazda.example/offers", PageType: models.PageTypeOffers}
	if err := repos.Pages.Create(ctx, page); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	page.LastHash = "abc123"
	page.LastCheckedAt = &now
	page.ConsecutiveNoChange = 3
	if err := repos.Pages.Update(ctx, page); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repos.Pages.GetByID(ctx, page.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.LastHash != "abc123" {
		t.Errorf("expected last hash abc123, got %q", got.LastHash)
	}
	if got.ConsecutiveNoChange != 3 {
		t.Errorf("expected 3 consecutive no-change, got %d", got.ConsecutiveNoChange)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(now) {
		t.Errorf("expected last checked %v, got %v", now, got.LastCheckedAt)
	}
}

func TestSourcePageListActiveExcludesRemoved(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	active := &models.SourcePage{OEMID: "kia", URL: "https://www.kia.example/a", PageType: models.PageTypeOther}
	removed := &models.SourcePage{OEMID: "kia", URL: "https://www.kia.example/b", PageType: models.PageTypeOther}
	for _, p := range []*models.SourcePage{active, removed} {
		if err := repos.Pages.Create(ctx, p); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	removed.Status = models.PageStatusRemoved
	if err := repos.Pages.Update(ctx, removed); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	pages, err := repos.Pages.ListActive(ctx, "kia")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(pages) != 1 || pages[0].ID != active.ID {
		t.Fatalf("expected only the active page, got %d pages", len(pages))
	}
}

func TestDiscoveredAPIUpsertNeverDowngrades(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	api := &models.DiscoveredAPI{
		OEMID:            "toyota",
		URL:              "https://api.toyota.example/v1/vehicles/{id}",
		Method:           "GET",
		DataType:         models.APIDataProducts,
		ReliabilityScore: 0.5,
	}
	if _, err := repos.APIs.UpsertCandidate(ctx, api); err != nil {
		t.Fatalf("UpsertCandidate failed: %v", err)
	}

	// Earn some score, then re-sight the same endpoint at the default.
	api.ReliabilityScore = 0.9
	if err := repos.APIs.Update(ctx, api); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	again := &models.DiscoveredAPI{
		OEMID:            "toyota",
		URL:              "https://api.toyota.example/v1/vehicles/{id}",
		Method:           "GET",
		DataType:         models.APIDataProducts,
		ReliabilityScore: 0.5,
	}
	got, err := repos.APIs.UpsertCandidate(ctx, again)
	if err != nil {
		t.Fatalf("second UpsertCandidate failed: %v", err)
	}
	if got.ReliabilityScore != 0.9 {
		t.Errorf("expected earned score 0.9 to survive, got %f", got.ReliabilityScore)
	}
}

func TestDiscoveredAPIListActiveOrdersByScore(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	low := &models.DiscoveredAPI{OEMID: "kia", URL: "https://api.kia.example/a", Method: "GET", DataType: models.APIDataOffers, ReliabilityScore: 0.3}
	high := &models.DiscoveredAPI{OEMID: "kia", URL: "https://api.kia.example/b", Method: "GET", DataType: models.APIDataProducts, ReliabilityScore: 0.8}
	retired := &models.DiscoveredAPI{OEMID: "kia", URL: "https://api.kia.example/c", Method: "GET", DataType: models.APIDataProducts, ReliabilityScore: 0.9, Status: models.APIStatusRetired}
	for _, a := range []*models.DiscoveredAPI{low, high, retired} {
		if _, err := repos.APIs.UpsertCandidate(ctx, a); err != nil {
			t.Fatalf("UpsertCandidate failed: %v", err)
		}
	}

	apis, err := repos.APIs.ListActive(ctx, "kia")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(apis) != 2 {
		t.Fatalf("expected 2 active APIs, got %d", len(apis))
	}
	if apis[0].URL != high.URL {
		t.Errorf("expected highest score first, got %s", apis[0].URL)
	}
}

func TestProductInsertGetUpdate(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	p := testProduct("toyota", "terrain-x")
	if err := repos.Products.Insert(ctx, p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected product, got nil")
	}
	if got.Price == nil || got.Price.Amount != 4299000 {
		t.Fatalf("expected price 4299000, got %+v", got.Price)
	}
	if len(got.KeyFeatures) != 2 || got.KeyFeatures[0] != "AWD" {
		t.Errorf("expected key features round-trip, got %v", got.KeyFeatures)
	}

	got.Price.Amount = 4399000
	got.ContentHash = "hash-2"
	if err := repos.Products.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got2, err := repos.Products.GetByKey(ctx, "toyota", "terrain-x")
	if err != nil {
		t.Fatalf("GetByKey after update failed: %v", err)
	}
	if got2.Price.Amount != 4399000 || got2.ContentHash != "hash-2" {
		t.Errorf("update not persisted: %+v", got2)
	}
}

func TestProductGetByKeyMissing(t *testing.T) {
	repos := setupTestRepos(t)

	got, err := repos.Products.GetByKey(context.Background(), "toyota", "no-such-model")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing product, got %+v", got)
	}
}

func TestProductVersionDedupedByHash(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	p := testProduct("toyota", "terrain-x")
	if err := repos.Products.Insert(ctx, p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	v := &models.ProductVersion{ProductID: p.ID, ContentHash: "h1", Snapshot: `{"title":"Terrain X"}`}
	if err := repos.Products.InsertVersion(ctx, v); err != nil {
		t.Fatalf("InsertVersion failed: %v", err)
	}
	dup := &models.ProductVersion{ProductID: p.ID, ContentHash: "h1", Snapshot: `{"title":"Terrain X"}`}
	if err := repos.Products.InsertVersion(ctx, dup); err != nil {
		t.Fatalf("duplicate InsertVersion should be a no-op, got: %v", err)
	}
	v2 := &models.ProductVersion{ProductID: p.ID, ContentHash: "h2", Snapshot: `{"title":"Terrain X II"}`}
	if err := repos.Products.InsertVersion(ctx, v2); err != nil {
		t.Fatalf("InsertVersion failed: %v", err)
	}

	versions, err := repos.Products.ListVersions(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
}

func TestProductListStale(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	old := testProduct("toyota", "old-model")
	old.LastSeenAt = time.Now().UTC().Add(-72 * time.Hour)
	fresh := testProduct("toyota", "fresh-model")
	gone := testProduct("toyota", "gone-model")
	gone.LastSeenAt = time.Now().UTC().Add(-72 * time.Hour)
	gone.Availability = "discontinued"
	for _, p := range []*models.Product{old, fresh, gone} {
		if err := repos.Products.Insert(ctx, p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	stale, err := repos.Products.ListStale(ctx, "toyota", cutoff)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ExternalKey != "old-model" {
		t.Fatalf("expected only old-model stale, got %d rows", len(stale))
	}
}

func TestOfferRoundTrip(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	o := testOffer("mazda", "eofy-2026")
	if err := repos.Offers.Insert(ctx, o); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := repos.Offers.GetByKey(ctx, "mazda", "eofy-2026")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected offer, got nil")
	}
	if got.SavingAmount != 250000 {
		t.Errorf("expected saving 250000, got %d", got.SavingAmount)
	}
	if got.ValidityEnd == nil || !got.ValidityEnd.Equal(*o.ValidityEnd) {
		t.Errorf("validity end did not round-trip: %v", got.ValidityEnd)
	}
	if len(got.ApplicableModels) != 1 || got.ApplicableModels[0] != "terrain-x" {
		t.Errorf("applicable models did not round-trip: %v", got.ApplicableModels)
	}
}

func TestOfferDeleteRemovesVersions(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	o := testOffer("mazda", "eofy-2026")
	if err := repos.Offers.Insert(ctx, o); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	v := &models.OfferVersion{OfferID: o.ID, ContentHash: "h1", Snapshot: `{}`}
	if err := repos.Offers.InsertVersion(ctx, v); err != nil {
		t.Fatalf("InsertVersion failed: %v", err)
	}

	if err := repos.Offers.Delete(ctx, o.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err := repos.Offers.GetByKey(ctx, "mazda", "eofy-2026")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected offer to be deleted")
	}
	versions, err := repos.Offers.ListVersions(ctx, o.ID)
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected versions gone, got %d", len(versions))
	}
}

func TestBannerRoundTrip(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	b := &models.Banner{
		OEMID:       "kia",
		ExternalKey: "hero-1",
		Headline:    "Summer of Kia",
		ImageURL:    "https://cdn.kia.example/hero.jpg",
		ContentHash: "h1",
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := repos.Banners.Insert(ctx, b); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := repos.Banners.GetByKey(ctx, "kia", "hero-1")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got == nil || got.Headline != "Summer of Kia" {
		t.Fatalf("banner did not round-trip: %+v", got)
	}
}

func TestChangeEventInsertAndFilter(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	entityID := "prod-1"
	events := []*models.ChangeEvent{
		{OEMID: "toyota", EntityType: models.EntityProduct, EntityID: &entityID, EventType: models.EventPriceChanged, Severity: models.SeverityHigh, Summary: "price up"},
		{OEMID: "toyota", EntityType: models.EntityBanner, EventType: models.EventUpdated, Severity: models.SeverityLow, Summary: "banner swap"},
		{OEMID: "mazda", EntityType: models.EntityOffer, EventType: models.EventCreated, Severity: models.SeverityMedium, Summary: "new offer"},
	}
	for _, e := range events {
		if err := repos.Events.Insert(ctx, e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := repos.Events.List(ctx, EventFilter{OEMID: "toyota"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 toyota events, got %d", len(got))
	}

	high, err := repos.Events.List(ctx, EventFilter{Severity: models.SeverityHigh})
	if err != nil {
		t.Fatalf("List by severity failed: %v", err)
	}
	if len(high) != 1 || high[0].EntityID == nil || *high[0].EntityID != "prod-1" {
		t.Fatalf("expected the high price event, got %d rows", len(high))
	}
}

func TestImportRunLifecycle(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	run := &models.ImportRun{OEMID: "toyota"}
	if err := repos.Runs.Create(ctx, run); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if run.Status != models.RunStatusRunning {
		t.Fatalf("expected running, got %s", run.Status)
	}

	run.Status = models.RunStatusCompleted
	run.PagesChecked = 12
	run.PagesChanged = 3
	run.ProductsUpserted = 5
	if err := repos.Runs.Finish(ctx, run); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	got, err := repos.Runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.RunStatusCompleted || got.FinishedAt == nil {
		t.Fatalf("run not closed: %+v", got)
	}
	if got.PagesChecked != 12 || got.ProductsUpserted != 5 {
		t.Errorf("counters not persisted: %+v", got)
	}
}

func TestMarkStaleRunningFailed(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	stale := &models.ImportRun{OEMID: "toyota"}
	closed := &models.ImportRun{OEMID: "mazda"}
	if err := repos.Runs.Create(ctx, stale); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repos.Runs.Create(ctx, closed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	closed.Status = models.RunStatusCompleted
	if err := repos.Runs.Finish(ctx, closed); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	n, err := repos.Runs.MarkStaleRunningFailed(ctx)
	if err != nil {
		t.Fatalf("MarkStaleRunningFailed failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale run closed, got %d", n)
	}
	got, err := repos.Runs.GetByID(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.RunStatusFailed || got.FinishedAt == nil {
		t.Fatalf("stale run not failed: %+v", got)
	}
}

func TestInferenceMonthlySpend(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := []*models.InferenceLog{
		{Provider: "openai", Model: "gpt-4o-mini", TaskType: "llm_extraction", InputTokens: 1000, OutputTokens: 200, CostUSD: 0.02, Status: models.InferenceOK, PromptHash: "p1"},
		{Provider: "openai", Model: "gpt-4o-mini", TaskType: "llm_extraction", InputTokens: 500, OutputTokens: 100, CostUSD: 0.01, Status: models.InferenceOK, PromptHash: "p2"},
		{Provider: "anthropic", Model: "claude-sonnet", TaskType: "change_summary", InputTokens: 300, OutputTokens: 50, CostUSD: 0.05, Status: models.InferenceFailed, PromptHash: "p3"},
	}
	for _, l := range rows {
		if err := repos.Inference.Insert(ctx, l); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	// A row from last month must not count.
	lastMonth := &models.InferenceLog{
		Provider: "openai", Model: "gpt-4o-mini", TaskType: "llm_extraction",
		CostUSD: 9.99, Status: models.InferenceOK, PromptHash: "p4",
		CreatedAt: now.AddDate(0, -1, 0),
	}
	if err := repos.Inference.Insert(ctx, lastMonth); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	spend, err := repos.Inference.MonthlySpend(ctx, now)
	if err != nil {
		t.Fatalf("MonthlySpend failed: %v", err)
	}
	if len(spend) != 2 {
		t.Fatalf("expected 2 provider/model rows, got %d", len(spend))
	}
	// Ordered by cost descending.
	if spend[0].Provider != "anthropic" {
		t.Errorf("expected anthropic first, got %s", spend[0].Provider)
	}
	var openai ModelSpend
	for _, s := range spend {
		if s.Provider == "openai" {
			openai = s
		}
	}
	if openai.Calls != 2 || openai.CostUSD < 0.029 || openai.CostUSD > 0.031 {
		t.Errorf("unexpected openai aggregate: %+v", openai)
	}
}

func TestTransactRollsBackOnError(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := repos.Transact(ctx, func(tx *Repositories) error {
		if err := tx.Products.Insert(ctx, testProduct("toyota", "doomed")); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "doomed")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected rollback to discard the insert")
	}
}

func TestTransactCommits(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	err := repos.Transact(ctx, func(tx *Repositories) error {
		p := testProduct("toyota", "kept")
		if err := tx.Products.Insert(ctx, p); err != nil {
			return err
		}
		return tx.Events.Insert(ctx, &models.ChangeEvent{
			OEMID:      "toyota",
			EntityType: models.EntityProduct,
			EntityID:   &p.ID,
			EventType:  models.EventCreated,
			Severity:   models.SeverityMedium,
			Summary:    "new model: kept",
		})
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	got, err := repos.Products.GetByKey(ctx, "toyota", "kept")
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected committed product")
	}
	events, err := repos.Events.List(ctx, EventFilter{OEMID: "toyota"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}
