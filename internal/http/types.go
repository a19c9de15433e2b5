package http

import (
	"github.com/fyrsmithlabs/recallguard/internal/audit"
	"github.com/fyrsmithlabs/recallguard/internal/engine"
	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

// IngestRequest is the body of POST /api/v1/experiences.
type IngestRequest struct {
	Experiences []experience.Input `json:"experiences"`
	engine.IngestOptions
}

// IngestResult reports one record of an ingest or seed batch.
type IngestResult struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// IngestResponse is returned by ingest and seed. Failed counts records
// rejected individually; the batch itself succeeded.
type IngestResponse struct {
	Results []IngestResult `json:"results"`
	Stored  int            `json:"stored"`
	Failed  int            `json:"failed"`
}

func newIngestResponse(results []engine.IngestResult) IngestResponse {
	resp := IngestResponse{Results: make([]IngestResult, len(results))}
	for i, r := range results {
		resp.Results[i] = IngestResult{ID: r.ID, Error: r.ErrMessage()}
		if r.Err != nil {
			resp.Failed++
		} else {
			resp.Stored++
		}
	}
	return resp
}

// SeedRequest is the body of POST /api/v1/seed.
type SeedRequest struct {
	Seeds experience.SeedFile `json:"seeds"`
	// BenignSource and PoisonedSource override the default tagging of
	// benign (verified) and poisoned (unverified) seeds.
	BenignSource   experience.Source `json:"benign_source,omitempty"`
	PoisonedSource experience.Source `json:"poisoned_source,omitempty"`
	Embed          bool              `json:"embed"`
}

// FlagRequest is the body of POST /api/v1/experiences/:id/flag.
type FlagRequest struct {
	Reason string `json:"reason"`
}

// ReviewRequest is the body of POST /api/v1/experiences/:id/review.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
}

// ScanRequest is the body of POST /api/v1/audit/scan. Without Patterns the
// daemon's current pattern set is used.
type ScanRequest struct {
	Patterns *audit.PatternSet `json:"patterns,omitempty"`
	// Record writes matches to the trust audit trail.
	Record bool `json:"record"`
}

// ScanResponse lists the matching experiences.
type ScanResponse struct {
	Matches []audit.Match `json:"matches"`
	Count   int           `json:"count"`
}

// VersionResponse carries the index snapshot version after a rebuild or
// flush.
type VersionResponse struct {
	Version uint64 `json:"version"`
}

// PoisonRateResponse is returned by GET /api/v1/monitor/poison-rate.
type PoisonRateResponse struct {
	From       string  `json:"from,omitempty"`
	To         string  `json:"to,omitempty"`
	PoisonRate float64 `json:"poison_rate"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string         `json:"status"`
	Engine *engine.Status `json:"engine,omitempty"`
	Error  string         `json:"error,omitempty"`
}
