// Package models defines the domain models for the crawler.
// OEM definitions live in config and are read-only at runtime; everything
// here maps to a row in the relational store.
package models

import (
	"time"
)

// PageType classifies the role a tracked page plays on an OEM site.
type PageType string

const (
	PageTypeHomepage      PageType = "homepage"
	PageTypeVehiclesIndex PageType = "vehicles_index"
	PageTypeVehicleDetail PageType = "vehicle_detail"
	PageTypeOffers        PageType = "offers"
	PageTypeNews          PageType = "news"
	PageTypeSitemap       PageType = "sitemap"
	PageTypeOther         PageType = "other"
)

// PageStatus represents the lifecycle state of a source page.
type PageStatus string

const (
	PageStatusActive  PageStatus = "active"
	PageStatusRemoved PageStatus = "removed"
	PageStatusError   PageStatus = "error"
	PageStatusBlocked PageStatus = "blocked"
)

// SourcePage is one URL belonging to one OEM, tracked by the page registry.
type SourcePage struct {
	ID                  string     `json:"id"`
	OEMID               string     `json:"oem_id"`
	URL                 string     `json:"url"`
	PageType            PageType   `json:"page_type"`
	Depth               int        `json:"depth"` // 0 for seeds, increments per discovery hop
	LastHash            string     `json:"last_hash,omitempty"`          // raw HTTP body digest
	LastRenderedHash    string     `json:"last_rendered_hash,omitempty"` // digest after render+normalise
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
	LastChangedAt       *time.Time `json:"last_changed_at,omitempty"`
	ConsecutiveNoChange int        `json:"consecutive_no_change"`
	ConsecutiveNotFound int        `json:"consecutive_not_found"`
	ConsecutiveBlocked  int        `json:"consecutive_blocked"`
	Status              PageStatus `json:"status"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// APIDataType classifies the payload a discovered API carries.
type APIDataType string

const (
	APIDataProducts APIDataType = "products"
	APIDataOffers   APIDataType = "offers"
	APIDataConfig   APIDataType = "config"
	APIDataMedia    APIDataType = "media"
	APIDataUnknown  APIDataType = "unknown"
)

// APIStatus represents the lifecycle state of a discovered API.
type APIStatus string

const (
	APIStatusActive  APIStatus = "active"
	APIStatusRetired APIStatus = "retired"
)

// DiscoveredAPI is a JSON endpoint observed during a browser render that was
// judged to carry product/offer data. URL is a template: numeric path params
// are normalised to {id}, long hex tokens to {token}.
type DiscoveredAPI struct {
	ID                  string            `json:"id"`
	OEMID               string            `json:"oem_id"`
	URL                 string            `json:"url"`
	Method              string            `json:"method"`
	RequiredHeaders     map[string]string `json:"required_headers,omitempty"`
	DataType            APIDataType       `json:"data_type"`
	ReliabilityScore    float64           `json:"reliability_score"` // [0,1]
	LastSuccessAt       *time.Time        `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time        `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Status              APIStatus         `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Price holds a normalised price. Amount is in integer minor units
// (cents); RawString preserves what the site displayed.
type Price struct {
	Amount    int64  `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Type      string `json:"type,omitempty"` // driveaway, msrp, from, ...
	RawString string `json:"raw_string,omitempty"`
}

// Variant is an inline child descriptor on a product. Variants may instead be
// hoisted to their own child Product rows whose meta.parent_external_key
// points back to the parent; both shapes round-trip through the catalogue.
type Variant struct {
	ExternalKey string `json:"external_key"`
	Title       string `json:"title,omitempty"`
	Price       *Price `json:"price,omitempty"`
	SortOrder   int    `json:"sort_order,omitempty"`
}

// Product is an upsert target keyed by (oem_id, external_key).
type Product struct {
	ID           string            `json:"id"`
	OEMID        string            `json:"oem_id"`
	ExternalKey  string            `json:"external_key"`
	Title        string            `json:"title"`
	Subtitle     string            `json:"subtitle,omitempty"`
	BodyType     string            `json:"body_type,omitempty"`
	FuelType     string            `json:"fuel_type,omitempty"`
	Availability string            `json:"availability,omitempty"` // available, run_out, discontinued, coming_soon
	Price        *Price            `json:"price,omitempty"`
	KeyFeatures  []string          `json:"key_features,omitempty"` // order is meaningful
	Variants     []Variant         `json:"variants,omitempty"`     // order is meaningful
	CTALinks     []string          `json:"cta_links,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	ContentHash  string            `json:"content_hash"`
	FirstSeenAt  time.Time         `json:"first_seen_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
}

// ProductVersion is an immutable snapshot of a product's canonical form.
// A (product_id, content_hash) pair appears at most once.
type ProductVersion struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	ContentHash string    `json:"content_hash"`
	Snapshot    string    `json:"snapshot"` // canonical JSON at capture time
	CapturedAt  time.Time `json:"captured_at"`
}

// Offer is a promotional offer keyed by (oem_id, external_key).
type Offer struct {
	ID               string            `json:"id"`
	OEMID            string            `json:"oem_id"`
	ExternalKey      string            `json:"external_key"`
	Title            string            `json:"title"`
	OfferType        string            `json:"offer_type,omitempty"` // finance, cashback, driveaway, ...
	Description      string            `json:"description,omitempty"`
	ApplicableModels []string          `json:"applicable_models,omitempty"`
	ValidityStart    *time.Time        `json:"validity_start,omitempty"`
	ValidityEnd      *time.Time        `json:"validity_end,omitempty"`
	SavingAmount     int64             `json:"saving_amount,omitempty"` // minor units
	Price            *Price            `json:"price,omitempty"`
	CTALinks         []string          `json:"cta_links,omitempty"`
	Meta             map[string]string `json:"meta,omitempty"`
	ContentHash      string            `json:"content_hash"`
	FirstSeenAt      time.Time         `json:"first_seen_at"`
	LastSeenAt       time.Time         `json:"last_seen_at"`
}

// OfferVersion is an immutable snapshot of an offer's canonical form.
type OfferVersion struct {
	ID          string    `json:"id"`
	OfferID     string    `json:"offer_id"`
	ContentHash string    `json:"content_hash"`
	Snapshot    string    `json:"snapshot"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Banner is homepage/landing banner content keyed by (oem_id, external_key).
type Banner struct {
	ID          string            `json:"id"`
	OEMID       string            `json:"oem_id"`
	ExternalKey string            `json:"external_key"`
	Headline    string            `json:"headline,omitempty"`
	Subtext     string            `json:"subtext,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	TargetURL   string            `json:"target_url,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	ContentHash string            `json:"content_hash"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
}

// EntityType identifies which kind of entity a change event refers to.
type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityOffer   EntityType = "offer"
	EntityBanner  EntityType = "banner"
	EntityPage    EntityType = "page"
)

// EventType classifies a detected change.
type EventType string

const (
	EventCreated             EventType = "created"
	EventUpdated             EventType = "updated"
	EventRemoved             EventType = "removed"
	EventPriceChanged        EventType = "price_changed"
	EventAvailabilityChanged EventType = "availability_changed"
	EventValidityChanged     EventType = "validity_changed"
	EventDesignChanged       EventType = "design_changed"
)

// Severity ranks how much a change matters to a competitive analyst.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Bump raises a severity one level (critical stays critical).
func (s Severity) Bump() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ChangeEvent is an immutable record of a detected semantic change.
type ChangeEvent struct {
	ID         string     `json:"id"`
	OEMID      string     `json:"oem_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   *string    `json:"entity_id,omitempty"`
	EventType  EventType  `json:"event_type"`
	Severity   Severity   `json:"severity"`
	Summary    string     `json:"summary"`
	DiffJSON   string     `json:"diff_json,omitempty"` // field -> {from, to}
	CreatedAt  time.Time  `json:"created_at"`
}

// RunStatus represents the state of an import run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// ImportRun is one orchestration pass over one OEM. Opened at orchestrator
// start and closed at the end regardless of success.
type ImportRun struct {
	ID               string     `json:"id"`
	OEMID            string     `json:"oem_id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Status           RunStatus  `json:"status"`
	PagesChecked     int        `json:"pages_checked"`
	PagesChanged     int        `json:"pages_changed"`
	ProductsUpserted int        `json:"products_upserted"`
	OffersUpserted   int        `json:"offers_upserted"`
	ErrorCount       int        `json:"error_count"`
	ErrorJSON        string     `json:"error_json,omitempty"`
}

// InferenceStatus is the outcome of a single LLM call.
type InferenceStatus string

const (
	InferenceOK     InferenceStatus = "ok"
	InferenceFailed InferenceStatus = "failed"
)

// InferenceLog is the per-call accounting record for the LLM router.
// Exactly one row exists for every call attempt, success or failure.
type InferenceLog struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	TaskType     string          `json:"task_type"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"`
	LatencyMs    int             `json:"latency_ms"`
	Status       InferenceStatus `json:"status"`
	WasFallback  bool            `json:"was_fallback"`
	PromptHash   string          `json:"prompt_hash"`
	ResponseHash string          `json:"response_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
