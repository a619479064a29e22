package models

import (
	"time"

	"recipe-ingestion/internal/recipe"
)

// JobType selects the extraction cascade.
type JobType string

const (
	JobTypeURL     JobType = "url"
	JobTypePayload JobType = "payload"
	JobTypeImage   JobType = "image"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeURL || t == JobTypePayload || t == JobTypeImage
}

// Job is one unit of extraction work persisted in Postgres.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Type         JobType    `json:"job_type"`
	Source       Source     `json:"source"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	Result       *Result    `json:"result,omitempty"`
	ErrorCode    *ErrorCode `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	NextAction   *string    `json:"next_action,omitempty"`
	RequestID    string     `json:"request_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
	CommittedAt  *time.Time `json:"committed_at,omitempty"`
	AbandonedAt  *time.Time `json:"abandoned_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// View hides fields that are not meaningful in the job's current status.
// A result is only returned while the status can hold one; error fields only
// while the job is in ERROR.
func (j Job) View() Job {
	if !j.Status.HoldsResult() {
		j.Result = nil
	}
	if j.Status != StatusError {
		j.ErrorCode = nil
		j.ErrorMessage = nil
		j.NextAction = nil
	}
	return j
}

// Source is the job input. Exactly one field is set, matching the job type.
type Source struct {
	URL     string         `json:"url,omitempty"`
	Payload *ClientPayload `json:"payload,omitempty"`
	Images  []ImageRef     `json:"images,omitempty"`
	Options *SourceOptions `json:"options,omitempty"`
}

// SourceOptions carries optional hints supplied with the submission.
type SourceOptions struct {
	TitleHint string `json:"title_hint,omitempty"`
	Language  string `json:"language,omitempty"`
}

// ClientPayload is page content extracted by a client, typically from a webview.
type ClientPayload struct {
	SourceURL       string   `json:"source_url"`
	JSONLDBlocks    []string `json:"jsonld_blocks,omitempty"`
	HTMLSnippet     string   `json:"html_snippet,omitempty"`
	ExtractedAt     string   `json:"extracted_at,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
}

// ImageRef points at an uploaded image in object storage.
type ImageRef struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Index int    `json:"index"`
}

// Result is the successful outcome of a cascade.
type Result struct {
	Draft    recipe.Draft `json:"draft"`
	Strategy string       `json:"strategy"`
	Tier     int          `json:"tier,omitempty"`
	UsedLLM  bool         `json:"used_llm"`
	Warnings []string     `json:"warnings,omitempty"`
}
