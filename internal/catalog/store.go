// Package catalog maintains the entity store: products, offers and banners
// keyed by (oem_id, external_key), with immutable versions and change events
// written atomically alongside every upsert.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oemwatch/oemwatch/internal/canonical"
	"github.com/oemwatch/oemwatch/internal/config"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/repository"
)

// Notifier receives change events after they commit. Implementations must not
// block; the event bus fans out to subscribers.
type Notifier interface {
	Notify(event models.ChangeEvent)
}

// Result summarises one batch application.
type Result struct {
	ProductsUpserted int
	OffersUpserted   int
	BannersUpserted  int
	Events           []models.ChangeEvent
}

// Store applies extracted entities to the catalogue.
type Store struct {
	repos    *repository.Repositories
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a catalogue store. notifier may be nil.
func NewStore(repos *repository.Repositories, notifier Notifier, logger *slog.Logger) *Store {
	return &Store{
		repos:    repos,
		notifier: notifier,
		logger:   logger.With("component", "catalog"),
		now:      time.Now,
	}
}

// Apply upserts one extraction batch for one OEM. Each entity's row, version
// snapshot and change event commit in a single transaction, so a crash never
// leaves a new hash without its event.
func (s *Store) Apply(ctx context.Context, oem *config.OEM, products []models.Product, offers []models.Offer, banners []models.Banner) (*Result, error) {
	res := &Result{}
	now := s.now().UTC()

	for _, p := range foldVariants(products) {
		p := p
		p.OEMID = oem.ID
		if err := s.repos.Transact(ctx, func(tx *repository.Repositories) error {
			return s.upsertProduct(ctx, tx, oem, &p, now, res)
		}); err != nil {
			return res, fmt.Errorf("failed to upsert product %s: %w", p.ExternalKey, err)
		}
	}

	for _, o := range offers {
		o := o
		o.OEMID = oem.ID
		if err := s.repos.Transact(ctx, func(tx *repository.Repositories) error {
			return s.upsertOffer(ctx, tx, oem, &o, now, res)
		}); err != nil {
			return res, fmt.Errorf("failed to upsert offer %s: %w", o.ExternalKey, err)
		}
	}

	for _, b := range banners {
		b := b
		b.OEMID = oem.ID
		if err := s.repos.Transact(ctx, func(tx *repository.Repositories) error {
			return s.upsertBanner(ctx, tx, oem, &b, now, res)
		}); err != nil {
			return res, fmt.Errorf("failed to upsert banner %s: %w", b.ExternalKey, err)
		}
	}

	for _, e := range res.Events {
		if s.notifier != nil {
			s.notifier.Notify(e)
		}
	}
	return res, nil
}

func (s *Store) upsertProduct(ctx context.Context, tx *repository.Repositories, oem *config.OEM, p *models.Product, now time.Time, res *Result) error {
	content := productContent(p)
	hash, err := canonical.Hash(content)
	if err != nil {
		return err
	}
	snapshot, err := canonical.Canonicalize(content)
	if err != nil {
		return err
	}
	p.ContentHash = hash

	existing, err := tx.Products.GetByKey(ctx, p.OEMID, p.ExternalKey)
	if err != nil {
		return err
	}

	if existing == nil {
		p.FirstSeenAt = now
		p.LastSeenAt = now
		if err := tx.Products.Insert(ctx, p); err != nil {
			return err
		}
		if err := tx.Products.InsertVersion(ctx, &models.ProductVersion{
			ProductID: p.ID, ContentHash: hash, Snapshot: string(snapshot), CapturedAt: now,
		}); err != nil {
			return err
		}
		res.ProductsUpserted++
		return s.recordEvent(ctx, tx, res, models.ChangeEvent{
			OEMID:      p.OEMID,
			EntityType: models.EntityProduct,
			EntityID:   &p.ID,
			EventType:  models.EventCreated,
			Severity:   models.SeverityMedium,
			Summary:    fmt.Sprintf("new product: %s", p.Title),
			CreatedAt:  now,
		})
	}

	if existing.ContentHash == hash {
		return tx.Products.Touch(ctx, existing.ID, now)
	}

	diff, err := canonical.Diff(productContent(existing), content)
	if err != nil {
		return err
	}
	eventType, severity := canonical.Classify(diff, oem.IsCritical, now)

	p.ID = existing.ID
	p.FirstSeenAt = existing.FirstSeenAt
	p.LastSeenAt = now
	if err := tx.Products.Update(ctx, p); err != nil {
		return err
	}
	if err := tx.Products.InsertVersion(ctx, &models.ProductVersion{
		ProductID: p.ID, ContentHash: hash, Snapshot: string(snapshot), CapturedAt: now,
	}); err != nil {
		return err
	}
	res.ProductsUpserted++

	diffJSON, err := canonical.Canonicalize(diff)
	if err != nil {
		return err
	}
	return s.recordEvent(ctx, tx, res, models.ChangeEvent{
		OEMID:      p.OEMID,
		EntityType: models.EntityProduct,
		EntityID:   &p.ID,
		EventType:  eventType,
		Severity:   severity,
		Summary:    changeSummary(p.Title, diff),
		DiffJSON:   string(diffJSON),
		CreatedAt:  now,
	})
}

func (s *Store) upsertOffer(ctx context.Context, tx *repository.Repositories, oem *config.OEM, o *models.Offer, now time.Time, res *Result) error {
	content := offerContent(o)
	hash, err := canonical.Hash(content)
	if err != nil {
		return err
	}
	snapshot, err := canonical.Canonicalize(content)
	if err != nil {
		return err
	}
	o.ContentHash = hash

	existing, err := tx.Offers.GetByKey(ctx, o.OEMID, o.ExternalKey)
	if err != nil {
		return err
	}

	if existing == nil {
		o.FirstSeenAt = now
		o.LastSeenAt = now
		if err := tx.Offers.Insert(ctx, o); err != nil {
			return err
		}
		if err := tx.Offers.InsertVersion(ctx, &models.OfferVersion{
			OfferID: o.ID, ContentHash: hash, Snapshot: string(snapshot), CapturedAt: now,
		}); err != nil {
			return err
		}
		res.OffersUpserted++
		return s.recordEvent(ctx, tx, res, models.ChangeEvent{
			OEMID:      o.OEMID,
			EntityType: models.EntityOffer,
			EntityID:   &o.ID,
			EventType:  models.EventCreated,
			Severity:   models.SeverityMedium,
			Summary:    fmt.Sprintf("new offer: %s", o.Title),
			CreatedAt:  now,
		})
	}

	if existing.ContentHash == hash {
		return tx.Offers.Touch(ctx, existing.ID, now)
	}

	diff, err := canonical.Diff(offerContent(existing), content)
	if err != nil {
		return err
	}
	eventType, severity := canonical.Classify(diff, oem.IsCritical, now)

	o.ID = existing.ID
	o.FirstSeenAt = existing.FirstSeenAt
	o.LastSeenAt = now
	if err := tx.Offers.Update(ctx, o); err != nil {
		return err
	}
	if err := tx.Offers.InsertVersion(ctx, &models.OfferVersion{
		OfferID: o.ID, ContentHash: hash, Snapshot: string(snapshot), CapturedAt: now,
	}); err != nil {
		return err
	}
	res.OffersUpserted++

	diffJSON, err := canonical.Canonicalize(diff)
	if err != nil {
		return err
	}
	return s.recordEvent(ctx, tx, res, models.ChangeEvent{
		OEMID:      o.OEMID,
		EntityType: models.EntityOffer,
		EntityID:   &o.ID,
		EventType:  eventType,
		Severity:   severity,
		Summary:    changeSummary(o.Title, diff),
		DiffJSON:   string(diffJSON),
		CreatedAt:  now,
	})
}

func (s *Store) upsertBanner(ctx context.Context, tx *repository.Repositories, oem *config.OEM, b *models.Banner, now time.Time, res *Result) error {
	content := bannerContent(b)
	hash, err := canonical.Hash(content)
	if err != nil {
		return err
	}
	b.ContentHash = hash

	existing, err := tx.Banners.GetByKey(ctx, b.OEMID, b.ExternalKey)
	if err != nil {
		return err
	}

	if existing == nil {
		b.FirstSeenAt = now
		b.LastSeenAt = now
		if err := tx.Banners.Insert(ctx, b); err != nil {
			return err
		}
		res.BannersUpserted++
		return s.recordEvent(ctx, tx, res, models.ChangeEvent{
			OEMID:      b.OEMID,
			EntityType: models.EntityBanner,
			EntityID:   &b.ID,
			EventType:  models.EventCreated,
			Severity:   models.SeverityLow,
			Summary:    fmt.Sprintf("new banner: %s", bannerLabel(b)),
			CreatedAt:  now,
		})
	}

	if existing.ContentHash == hash {
		return tx.Banners.Touch(ctx, existing.ID, now)
	}

	diff, err := canonical.Diff(bannerContent(existing), content)
	if err != nil {
		return err
	}
	eventType, severity := canonical.Classify(diff, oem.IsCritical, now)

	b.ID = existing.ID
	b.FirstSeenAt = existing.FirstSeenAt
	b.LastSeenAt = now
	if err := tx.Banners.Update(ctx, b); err != nil {
		return err
	}
	res.BannersUpserted++

	diffJSON, err := canonical.Canonicalize(diff)
	if err != nil {
		return err
	}
	return s.recordEvent(ctx, tx, res, models.ChangeEvent{
		OEMID:      b.OEMID,
		EntityType: models.EntityBanner,
		EntityID:   &b.ID,
		EventType:  eventType,
		Severity:   severity,
		Summary:    changeSummary(bannerLabel(b), diff),
		DiffJSON:   string(diffJSON),
		CreatedAt:  now,
	})
}

// ReconcileRemovals closes out entities not seen since the cutoff. Products
// flip to discontinued rather than being deleted so their history survives;
// offers are deleted outright once their removal is recorded.
func (s *Store) ReconcileRemovals(ctx context.Context, oem *config.OEM, cutoff time.Time) (*Result, error) {
	res := &Result{}
	now := s.now().UTC()

	stale, err := s.repos.Products.ListStale(ctx, oem.ID, cutoff)
	if err != nil {
		return res, err
	}
	for _, p := range stale {
		p := p
		if err := s.repos.Transact(ctx, func(tx *repository.Repositories) error {
			p.Availability = "discontinued"
			content := productContent(p)
			hash, err := canonical.Hash(content)
			if err != nil {
				return err
			}
			snapshot, err := canonical.Canonicalize(content)
			if err != nil {
				return err
			}
			p.ContentHash = hash
			if err := tx.Products.Update(ctx, p); err != nil {
				return err
			}
			if err := tx.Products.InsertVersion(ctx, &models.ProductVersion{
				ProductID: p.ID, ContentHash: hash, Snapshot: string(snapshot), CapturedAt: now,
			}); err != nil {
				return err
			}
			return s.recordEvent(ctx, tx, res, models.ChangeEvent{
				OEMID:      p.OEMID,
				EntityType: models.EntityProduct,
				EntityID:   &p.ID,
				EventType:  models.EventRemoved,
				Severity:   models.SeverityHigh,
				Summary:    fmt.Sprintf("product no longer listed: %s", p.Title),
				CreatedAt:  now,
			})
		}); err != nil {
			return res, fmt.Errorf("failed to reconcile product %s: %w", p.ExternalKey, err)
		}
	}

	staleOffers, err := s.repos.Offers.ListStale(ctx, oem.ID, cutoff)
	if err != nil {
		return res, err
	}
	for _, o := range staleOffers {
		o := o
		if err := s.repos.Transact(ctx, func(tx *repository.Repositories) error {
			if err := s.recordEvent(ctx, tx, res, models.ChangeEvent{
				OEMID:      o.OEMID,
				EntityType: models.EntityOffer,
				EntityID:   &o.ID,
				EventType:  models.EventRemoved,
				Severity:   models.SeverityMedium,
				Summary:    fmt.Sprintf("offer withdrawn: %s", o.Title),
				CreatedAt:  now,
			}); err != nil {
				return err
			}
			return tx.Offers.Delete(ctx, o.ID)
		}); err != nil {
			return res, fmt.Errorf("failed to reconcile offer %s: %w", o.ExternalKey, err)
		}
	}

	for _, e := range res.Events {
		if s.notifier != nil {
			s.notifier.Notify(e)
		}
	}
	return res, nil
}

func (s *Store) recordEvent(ctx context.Context, tx *repository.Repositories, res *Result, e models.ChangeEvent) error {
	if err := tx.Events.Insert(ctx, &e); err != nil {
		return err
	}
	res.Events = append(res.Events, e)
	s.logger.Info("change detected",
		"oem", e.OEMID,
		"entity", e.EntityType,
		"event", e.EventType,
		"severity", e.Severity,
		"summary", e.Summary,
	)
	return nil
}

// foldVariants collapses hoisted child products (meta.parent_external_key set)
// into their parent's variant list so both extraction shapes land the same
// way. A child whose parent is absent from the batch stays a product.
func foldVariants(products []models.Product) []models.Product {
	products = append([]models.Product(nil), products...)
	byKey := make(map[string]int, len(products))
	for i, p := range products {
		byKey[p.ExternalKey] = i
	}

	var out []models.Product
	folded := make(map[string]bool)
	for _, p := range products {
		parentKey := p.Meta["parent_external_key"]
		if parentKey == "" || parentKey == p.ExternalKey {
			continue
		}
		idx, ok := byKey[parentKey]
		if !ok {
			continue
		}
		parent := &products[idx]
		parent.Variants = append(parent.Variants, models.Variant{
			ExternalKey: p.ExternalKey,
			Title:       p.Title,
			Price:       p.Price,
			SortOrder:   len(parent.Variants),
		})
		folded[p.ExternalKey] = true
	}

	for _, p := range products {
		if folded[p.ExternalKey] {
			continue
		}
		if p.Price == nil {
			p.Price = minVariantPrice(p.Variants)
		}
		out = append(out, p)
	}
	return out
}

// minVariantPrice picks the cheapest variant price as the parent's headline
// price when the parent carries none.
func minVariantPrice(variants []models.Variant) *models.Price {
	var best *models.Price
	for _, v := range variants {
		if v.Price == nil || v.Price.Amount <= 0 {
			continue
		}
		if best == nil || v.Price.Amount < best.Amount {
			price := *v.Price
			price.Type = "from"
			best = &price
		}
	}
	return best
}

func productContent(p *models.Product) map[string]any {
	return map[string]any{
		"external_key": p.ExternalKey,
		"title":        p.Title,
		"subtitle":     orNil(p.Subtitle),
		"body_type":    orNil(p.BodyType),
		"fuel_type":    orNil(p.FuelType),
		"availability": orNil(p.Availability),
		"price":        priceContent(p.Price),
		"key_features": p.KeyFeatures,
		"variants":     variantContent(p.Variants),
		"cta_links":    p.CTALinks,
	}
}

func offerContent(o *models.Offer) map[string]any {
	return map[string]any{
		"external_key":      o.ExternalKey,
		"title":             o.Title,
		"offer_type":        orNil(o.OfferType),
		"description":       orNil(o.Description),
		"applicable_models": o.ApplicableModels,
		"validity_start":    timeContent(o.ValidityStart),
		"validity_end":      timeContent(o.ValidityEnd),
		"saving_amount":     o.SavingAmount,
		"price":             priceContent(o.Price),
		"cta_links":         o.CTALinks,
	}
}

func bannerContent(b *models.Banner) map[string]any {
	return map[string]any{
		"external_key": b.ExternalKey,
		"headline":     orNil(b.Headline),
		"subtext":      orNil(b.Subtext),
		"image_url":    orNil(b.ImageURL),
		"target_url":   orNil(b.TargetURL),
	}
}

func priceContent(p *models.Price) any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"amount":   p.Amount,
		"currency": orNil(p.Currency),
		"type":     orNil(p.Type),
	}
}

func variantContent(variants []models.Variant) any {
	if len(variants) == 0 {
		return nil
	}
	out := make([]any, 0, len(variants))
	for _, v := range variants {
		out = append(out, map[string]any{
			"external_key": v.ExternalKey,
			"title":        orNil(v.Title),
			"price":        priceContent(v.Price),
		})
	}
	return out
}

func timeContent(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bannerLabel(b *models.Banner) string {
	if b.Headline != "" {
		return b.Headline
	}
	return b.ExternalKey
}

// changeSummary names the entity and the first few changed fields.
func changeSummary(title string, diff map[string]canonical.FieldChange) string {
	paths := make([]string, 0, len(diff))
	for p := range diff {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) > 3 {
		paths = paths[:3]
	}
	return fmt.Sprintf("%s: changed %s", title, strings.Join(paths, ", "))
}
