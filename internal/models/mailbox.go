package models

import "time"

// Mailbox message types.
const (
	MailboxCompleted = "recipe_import_completed"
	MailboxFailed    = "recipe_import_failed"
)

// MailboxMessage is an immutable terminal notification in a user's inbox.
type MailboxMessage struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	JobID     string          `json:"job_id"`
	Preview   *Preview        `json:"preview,omitempty"`
	Failure   *FailureSummary `json:"failure,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Preview is the lightweight summary shown in listings. It never carries the full draft.
type Preview struct {
	Title           string `json:"title"`
	IngredientCount int    `json:"ingredient_count"`
	StepCount       int    `json:"step_count"`
	Strategy        string `json:"strategy"`
	SourceURL       string `json:"source_url,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
}

// FailureSummary is the failure variant of a mailbox message.
type FailureSummary struct {
	ErrorCode    ErrorCode `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	NextAction   string    `json:"next_action,omitempty"`
}

// MailboxEntry is a completed job that the user has not yet committed.
type MailboxEntry struct {
	JobID       string    `json:"job_id"`
	JobType     JobType   `json:"job_type"`
	Preview     Preview   `json:"preview"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewPreview summarizes a result for listings.
func NewPreview(r *Result) Preview {
	if r == nil {
		return Preview{}
	}
	return Preview{
		Title:           r.Draft.Title,
		IngredientCount: len(r.Draft.Ingredients),
		StepCount:       len(r.Draft.Steps),
		Strategy:        r.Strategy,
		SourceURL:       r.Draft.SourceURL,
		ImageURL:        r.Draft.ImageURL,
	}
}
