package server

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/oemwatch/oemwatch/internal/models"
	"github.com/oemwatch/oemwatch/internal/repository"
)

// OEMPathInput selects one OEM by its configured id.
type OEMPathInput struct {
	ID string `path:"id" example:"toyota" doc:"OEM id from its config document"`
}

// CrawlResponseBody reports whether the crawl request was queued.
type CrawlResponseBody struct {
	OEMID  string `json:"oem_id" example:"toyota"`
	Queued bool   `json:"queued" doc:"False when a crawl for this OEM is already queued or running"`
	Force  bool   `json:"force" doc:"True when hash short-circuits are skipped"`
}

type CrawlOutput struct {
	Status int
	Body   CrawlResponseBody
}

func (s *Server) triggerCrawl(ctx context.Context, input *OEMPathInput) (*CrawlOutput, error) {
	return s.queueCrawl(input.ID, false)
}

func (s *Server) forceCrawl(ctx context.Context, input *OEMPathInput) (*CrawlOutput, error) {
	return s.queueCrawl(input.ID, true)
}

func (s *Server) queueCrawl(oemID string, force bool) (*CrawlOutput, error) {
	oem := s.oems.Get(oemID)
	if oem == nil {
		return nil, huma.Error404NotFound("oem not found: " + oemID)
	}
	if !oem.IsEnabled() {
		return nil, huma.Error409Conflict("oem is disabled: " + oemID)
	}
	queued := s.sched.TriggerCrawl(oemID, force)
	if !queued {
		s.logger.Warn("crawl trigger dropped, queue full", "oem", oemID)
	}
	return &CrawlOutput{
		Status: 202,
		Body:   CrawlResponseBody{OEMID: oemID, Queued: queued, Force: force},
	}, nil
}

// OEMSummary is the list view of one configured OEM.
type OEMSummary struct {
	ID      string `json:"id" example:"toyota"`
	Name    string `json:"name" example:"Toyota Australia"`
	BaseURL string `json:"base_url" example:"https://www.toyota.com.au"`
	Enabled bool   `json:"enabled"`
	Seeds   int    `json:"seeds" doc:"Number of configured seed pages"`
}

type ListOEMsOutput struct {
	Body struct {
		OEMs []OEMSummary `json:"oems"`
	}
}

func (s *Server) listOEMs(ctx context.Context, _ *struct{}) (*ListOEMsOutput, error) {
	out := &ListOEMsOutput{}
	out.Body.OEMs = []OEMSummary{}
	for _, oem := range s.oems.All() {
		out.Body.OEMs = append(out.Body.OEMs, OEMSummary{
			ID:      oem.ID,
			Name:    oem.Name,
			BaseURL: oem.BaseURL,
			Enabled: oem.IsEnabled(),
			Seeds:   len(oem.Seeds),
		})
	}
	return out, nil
}

type ListPagesOutput struct {
	Body struct {
		Pages []*models.SourcePage `json:"pages"`
	}
}

func (s *Server) listPages(ctx context.Context, input *OEMPathInput) (*ListPagesOutput, error) {
	if s.oems.Get(input.ID) == nil {
		return nil, huma.Error404NotFound("oem not found: " + input.ID)
	}
	pages, err := s.repos.Pages.ListActive(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list pages: " + err.Error())
	}
	out := &ListPagesOutput{}
	out.Body.Pages = pages
	return out, nil
}

type ListProductsOutput struct {
	Body struct {
		Products []*models.Product `json:"products"`
	}
}

func (s *Server) listProducts(ctx context.Context, input *OEMPathInput) (*ListProductsOutput, error) {
	if s.oems.Get(input.ID) == nil {
		return nil, huma.Error404NotFound("oem not found: " + input.ID)
	}
	products, err := s.repos.Products.ListByOEM(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list products: " + err.Error())
	}
	out := &ListProductsOutput{}
	out.Body.Products = products
	return out, nil
}

type ListOffersOutput struct {
	Body struct {
		Offers []*models.Offer `json:"offers"`
	}
}

func (s *Server) listOffers(ctx context.Context, input *OEMPathInput) (*ListOffersOutput, error) {
	if s.oems.Get(input.ID) == nil {
		return nil, huma.Error404NotFound("oem not found: " + input.ID)
	}
	offers, err := s.repos.Offers.ListByOEM(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list offers: " + err.Error())
	}
	out := &ListOffersOutput{}
	out.Body.Offers = offers
	return out, nil
}

type ListRunsInput struct {
	OEM   string `query:"oem" example:"toyota" doc:"Filter to one OEM"`
	Limit int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type ListRunsOutput struct {
	Body struct {
		Runs []*models.ImportRun `json:"runs"`
	}
}

func (s *Server) listRuns(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
	runs, err := s.repos.Runs.List(ctx, input.OEM, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list runs: " + err.Error())
	}
	out := &ListRunsOutput{}
	out.Body.Runs = runs
	return out, nil
}

type ListEventsInput struct {
	OEM        string `query:"oem" example:"toyota" doc:"Filter to one OEM"`
	EntityType string `query:"entity_type" enum:"product,offer,banner,page," doc:"Filter by entity kind"`
	EventType  string `query:"event_type" example:"price_changed"`
	Severity   string `query:"severity" enum:"critical,high,medium,low,"`
	Since      string `query:"since" example:"2026-08-01T00:00:00Z" doc:"RFC3339 lower bound on created_at"`
	Limit      int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
}

type ListEventsOutput struct {
	Body struct {
		Events []*models.ChangeEvent `json:"events"`
	}
}

func (s *Server) listEvents(ctx context.Context, input *ListEventsInput) (*ListEventsOutput, error) {
	filter := repository.EventFilter{
		OEMID:      input.OEM,
		EntityType: models.EntityType(input.EntityType),
		EventType:  models.EventType(input.EventType),
		Severity:   models.Severity(input.Severity),
		Limit:      input.Limit,
	}
	if input.Since != "" {
		since, err := time.Parse(time.RFC3339, input.Since)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid since timestamp: " + input.Since)
		}
		filter.Since = &since
	}
	events, err := s.repos.Events.List(ctx, filter)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list events: " + err.Error())
	}
	out := &ListEventsOutput{}
	out.Body.Events = events
	return out, nil
}

// CostEstimatesBody is the month-to-date LLM spend picture.
type CostEstimatesBody struct {
	Month             string                 `json:"month" example:"2026-08"`
	TotalUSD          float64                `json:"total_usd"`
	ProjectedMonthUSD float64                `json:"projected_month_usd" doc:"Straight-line projection of total_usd to month end"`
	CapUSD            float64                `json:"cap_usd,omitempty" doc:"Configured monthly cap, 0 when uncapped"`
	PerModel          []repository.ModelSpend `json:"per_model"`
}

type CostEstimatesOutput struct {
	Body CostEstimatesBody
}

func (s *Server) costEstimates(ctx context.Context, _ *struct{}) (*CostEstimatesOutput, error) {
	now := time.Now().UTC()
	spend, err := s.repos.Inference.MonthlySpend(ctx, now)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to aggregate spend: " + err.Error())
	}
	if spend == nil {
		spend = []repository.ModelSpend{}
	}

	var total float64
	for _, m := range spend {
		total += m.CostUSD
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	elapsed := now.Sub(monthStart)
	var projected float64
	if elapsed > 0 {
		projected = total * float64(monthEnd.Sub(monthStart)) / float64(elapsed)
	}

	return &CostEstimatesOutput{Body: CostEstimatesBody{
		Month:             now.Format("2006-01"),
		TotalUSD:          total,
		ProjectedMonthUSD: projected,
		CapUSD:            s.cfg.MonthlySpendCapUSD,
		PerModel:          spend,
	}}, nil
}

type HealthOutput struct {
	Body struct {
		Status  string `json:"status" example:"ok"`
		Version string `json:"version" example:"dev"`
	}
}

func (s *Server) healthz(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = s.version
	return out, nil
}

type ReadyOutput struct {
	Body struct {
		Status string `json:"status" example:"ready"`
	}
}

func (s *Server) readyz(ctx context.Context, _ *struct{}) (*ReadyOutput, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, huma.Error503ServiceUnavailable("database unreachable: " + err.Error())
	}
	out := &ReadyOutput{}
	out.Body.Status = "ready"
	return out, nil
}
