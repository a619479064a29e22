package models

import (
	"time"

	"recipe-ingestion/internal/recipe"
)

// Image pipeline tiers, in cascade order.
const (
	TierOCRFast     = 1
	TierOCRAccurate = 2
	TierVision      = 3
)

// TierName returns the strategy identifier used for a tier.
func TierName(tier int) string {
	switch tier {
	case TierOCRFast:
		return "ocr_tier1"
	case TierOCRAccurate:
		return "ocr_tier2"
	case TierVision:
		return "vision"
	}
	return "unknown"
}

// IngestionDraft is a persisted snapshot of the image pipeline state after a tier
// or a vision item. Rows are append-only and written by the worker that owns the job.
type IngestionDraft struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Seq         int            `json:"seq"`
	Tier        int            `json:"tier"`
	Stage       string         `json:"stage"`
	Draft       *recipe.Draft  `json:"draft,omitempty"`
	Diagnostics TierDiagnostic `json:"diagnostics"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TierDiagnostic records how one tier attempt went.
type TierDiagnostic struct {
	Tier           int      `json:"tier"`
	Provider       string   `json:"provider,omitempty"`
	Status         string   `json:"status"`
	CharCount      int      `json:"char_count"`
	LineCount      int      `json:"line_count"`
	MeanConfidence *float64 `json:"mean_confidence,omitempty"`
	Score          int      `json:"score"`
	Accepted       bool     `json:"accepted"`
	DurationMs     int64    `json:"duration_ms"`
	Item           int      `json:"item,omitempty"`
	Error          string   `json:"error,omitempty"`
}
