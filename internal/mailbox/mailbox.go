// Package mailbox builds and reads the per-user inbox of terminal job outcomes.
// Messages are written by the store in the same unit as the status change that
// produced them, so a job publishes at most once.
package mailbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/store"
)

// DefaultLimit bounds listings when the caller passes none.
const DefaultLimit = 50

// Completed is the notice for a COMPLETE job. It carries a preview only.
func Completed(job models.Job, r models.Result, now time.Time) *models.MailboxMessage {
	p := models.NewPreview(&r)
	return &models.MailboxMessage{
		ID:        uuid.New().String(),
		UserID:    job.UserID,
		Type:      models.MailboxCompleted,
		JobID:     job.ID,
		Preview:   &p,
		CreatedAt: now.UTC(),
	}
}

// Failed is the notice for a job that ended in ERROR.
func Failed(job models.Job, f store.Failure, now time.Time) *models.MailboxMessage {
	return &models.MailboxMessage{
		ID:     uuid.New().String(),
		UserID: job.UserID,
		Type:   models.MailboxFailed,
		JobID:  job.ID,
		Failure: &models.FailureSummary{
			ErrorCode:    f.Code,
			ErrorMessage: f.Message,
			NextAction:   f.NextAction,
		},
		CreatedAt: now.UTC(),
	}
}

// Reader lists a user's inbox.
type Reader struct {
	store store.Store
	limit int
}

// NewReader returns a Reader capping pages at limit.
func NewReader(s store.Store, limit int) *Reader {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Reader{store: s, limit: limit}
}

func (r *Reader) clamp(limit int) int {
	if limit <= 0 || limit > r.limit {
		return r.limit
	}
	return limit
}

// Messages returns published notices, newest first. Reading never consumes them.
func (r *Reader) Messages(ctx context.Context, userID string, limit int) ([]models.MailboxMessage, error) {
	msgs, err := r.store.ListMailbox(ctx, userID, r.clamp(limit))
	if msgs == nil && err == nil {
		msgs = []models.MailboxMessage{}
	}
	return msgs, err
}

// Pending returns completed jobs the user has not committed yet, each with a preview.
func (r *Reader) Pending(ctx context.Context, userID string, limit int) ([]models.MailboxEntry, error) {
	entries, err := r.store.ListPendingMailbox(ctx, userID, r.clamp(limit))
	if entries == nil && err == nil {
		entries = []models.MailboxEntry{}
	}
	return entries, err
}
