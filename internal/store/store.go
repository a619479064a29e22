package store

import (
	"context"
	"errors"
	"time"

	"recipe-ingestion/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Store is the durable job record. Every status change is a conditional update
// against the allowed predecessors of the target status; a false return means
// another writer got there first and the call was a no-op.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)

	Start(ctx context.Context, id string) (bool, error)
	Reclaim(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id string, result models.Result, notice *models.MailboxMessage) (bool, error)
	Fail(ctx context.Context, id string, f Failure, notice *models.MailboxMessage) (bool, error)
	Cancel(ctx context.Context, id string) (models.Status, bool, error)
	Commit(ctx context.Context, id string) (bool, error)
	Abandon(ctx context.Context, id string) (bool, error)
	ListStaleComplete(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	AppendIngestionDraft(ctx context.Context, d models.IngestionDraft) error
	ListIngestionDrafts(ctx context.Context, jobID string) ([]models.IngestionDraft, error)

	PublishMailbox(ctx context.Context, m models.MailboxMessage) (bool, error)
	ListMailbox(ctx context.Context, userID string, limit int) ([]models.MailboxMessage, error)
	ListPendingMailbox(ctx context.Context, userID string, limit int) ([]models.MailboxEntry, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID        string
	UserID    string
	Type      models.JobType
	Source    models.Source
	RequestID string
}

// Failure is what gets written to a job's error fields.
type Failure struct {
	Code       models.ErrorCode
	Message    string
	NextAction string
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
