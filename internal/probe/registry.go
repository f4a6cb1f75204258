package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oemwatch/oemwatch/internal/canonical"
	"github.com/oemwatch/oemwatch/internal/fetch"
	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/render"
)

// Reliability scoring constants.
const (
	initialScore       = 0.5
	replayThreshold    = 0.6
	successMultiplier  = 1.05
	failureMultiplier  = 0.8
	retireScore        = 0.2
	retireFailures     = 5
	failureCooldown    = time.Hour
)

// APIStore is the persistence surface the registry needs.
type APIStore interface {
	// UpsertCandidate inserts a new row (score 0.5) or returns the existing
	// one for (oem_id, url, method) without downgrading it.
	UpsertCandidate(ctx context.Context, api *models.DiscoveredAPI) (*models.DiscoveredAPI, error)
	Update(ctx context.Context, api *models.DiscoveredAPI) error
	ListActive(ctx context.Context, oemID string) ([]*models.DiscoveredAPI, error)
}

// Registry ingests observer candidates and drives replay decisions.
type Registry struct {
	store   APIStore
	fetcher *fetch.Fetcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry creates an API registry.
func NewRegistry(store APIStore, fetcher *fetch.Fetcher, logger *slog.Logger) *Registry {
	return &Registry{
		store:   store,
		fetcher: fetcher,
		logger:  logger.With("component", "api-probe"),
		now:     time.Now,
	}
}

// Ingest classifies each observer candidate and upserts it into the registry.
// Non-JSON bodies are rejected; unrecognised shapes are stored as unknown.
func (r *Registry) Ingest(ctx context.Context, oemID string, candidates []*render.RequestRecord) error {
	for _, c := range candidates {
		dataType, isJSON := ClassifyPayload(c.Body)
		if !isJSON {
			continue
		}

		normalized, err := canonical.NormalizeURL(c.URL)
		if err != nil {
			r.logger.Debug("skipping unparsable candidate URL", "url", c.URL, "error", err)
			continue
		}

		api := &models.DiscoveredAPI{
			OEMID:            oemID,
			URL:              TemplateURL(normalized),
			Method:           c.Method,
			RequiredHeaders:  replayHeaders(c.RequestHeaders),
			DataType:         dataType,
			ReliabilityScore: initialScore,
			Status:           models.APIStatusActive,
		}
		if _, err := r.store.UpsertCandidate(ctx, api); err != nil {
			return fmt.Errorf("upserting discovered api %s: %w", api.URL, err)
		}
	}
	return nil
}

// Replayable returns the active product/offer APIs for an OEM that are
// trusted enough to call directly on this crawl.
func (r *Registry) Replayable(ctx context.Context, oemID string) ([]*models.DiscoveredAPI, error) {
	apis, err := r.store.ListActive(ctx, oemID)
	if err != nil {
		return nil, err
	}
	out := apis[:0]
	for _, api := range apis {
		if r.shouldReplay(api) {
			out = append(out, api)
		}
	}
	return out, nil
}

func (r *Registry) shouldReplay(api *models.DiscoveredAPI) bool {
	if api.Status != models.APIStatusActive {
		return false
	}
	if api.DataType != models.APIDataProducts && api.DataType != models.APIDataOffers {
		return false
	}
	if api.ReliabilityScore < replayThreshold {
		return false
	}
	if api.LastFailureAt != nil && r.now().Sub(*api.LastFailureAt) < failureCooldown {
		return false
	}
	return true
}

// Replay calls a discovered API through the HTTP fetcher and updates its
// reliability score from the outcome. On success it returns the JSON body.
func (r *Registry) Replay(ctx context.Context, api *models.DiscoveredAPI, fills map[string]string) ([]byte, error) {
	url := fillTemplate(api.URL, fills)
	res, err := r.fetcher.Get(ctx, url, &fetch.Options{
		Method:  api.Method,
		Headers: api.RequiredHeaders,
	})
	if err != nil {
		return nil, r.recordFailure(ctx, api, err)
	}

	gotType, isJSON := ClassifyPayload(res.Body)
	if !isJSON {
		return nil, r.recordFailure(ctx, api, fmt.Errorf("replay of %s returned non-JSON body", url))
	}
	if api.DataType != models.APIDataUnknown && gotType != api.DataType {
		return nil, r.recordFailure(ctx, api, fmt.Errorf("replay of %s returned %s payload, expected %s", url, gotType, api.DataType))
	}

	if err := r.recordSuccess(ctx, api); err != nil {
		return nil, err
	}
	return res.Body, nil
}

func (r *Registry) recordSuccess(ctx context.Context, api *models.DiscoveredAPI) error {
	now := r.now()
	api.ReliabilityScore = min(1, api.ReliabilityScore*successMultiplier)
	api.LastSuccessAt = &now
	api.ConsecutiveFailures = 0
	if err := r.store.Update(ctx, api); err != nil {
		return fmt.Errorf("recording api success: %w", err)
	}
	return nil
}

func (r *Registry) recordFailure(ctx context.Context, api *models.DiscoveredAPI, cause error) error {
	now := r.now()
	api.ReliabilityScore *= failureMultiplier
	api.LastFailureAt = &now
	api.ConsecutiveFailures++
	if api.ConsecutiveFailures >= retireFailures || api.ReliabilityScore < retireScore {
		api.Status = models.APIStatusRetired
		r.logger.Info("retiring discovered api", "url", api.URL,
			"score", api.ReliabilityScore, "consecutive_failures", api.ConsecutiveFailures)
	}
	if err := r.store.Update(ctx, api); err != nil {
		return fmt.Errorf("recording api failure: %w", err)
	}
	return cause
}

// fillTemplate substitutes {placeholder} values from page context.
func fillTemplate(url string, fills map[string]string) string {
	for k, v := range fills {
		url = strings.ReplaceAll(url, "{"+k+"}", v)
	}
	return url
}

// replayHeaders keeps only the request headers worth replaying: auth and
// content negotiation, not per-session noise.
func replayHeaders(h map[string]string) map[string]string {
	keep := map[string]bool{
		"authorization": true,
		"x-api-key":     true,
		"accept":        true,
		"referer":       true,
		"content-type":  true,
	}
	out := make(map[string]string)
	for k, v := range h {
		if keep[strings.ToLower(k)] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
