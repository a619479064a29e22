package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"recipe-ingestion/internal/models"
)

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ Store = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id::text, user_id, job_type, source, status, attempts, result, error_code, error_message,
	next_action, request_id, created_at, started_at, completed_at, canceled_at, committed_at, abandoned_at, updated_at`

// CreateJob inserts a PENDING job row.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	sourceJSON, err := json.Marshal(p.Source)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal source: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipe_parse_jobs (id, user_id, job_type, source, status, attempts, request_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, p.ID, p.UserID, string(p.Type), sourceJSON, string(models.StatusPending), emptyToNil(p.RequestID), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:        p.ID,
		UserID:    p.UserID,
		Type:      p.Type,
		Source:    p.Source,
		Status:    models.StatusPending,
		RequestID: p.RequestID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM recipe_parse_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                 models.Job
		jobType, status     string
		sourceJSON, result  []byte
		errCode, errMessage pgtype.Text
		nextAction, reqID   pgtype.Text
	)
	err := row.Scan(&job.ID, &job.UserID, &jobType, &sourceJSON, &status, &job.Attempts, &result,
		&errCode, &errMessage, &nextAction, &reqID, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&job.CanceledAt, &job.CommittedAt, &job.AbandonedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.Status = models.Status(status)
	if err := json.Unmarshal(sourceJSON, &job.Source); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal source: %w", err)
	}
	if len(result) > 0 {
		var r models.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &r
	}
	if errCode.Valid {
		code := models.ErrorCode(errCode.String)
		job.ErrorCode = &code
	}
	job.ErrorMessage = textPtr(errMessage)
	job.NextAction = textPtr(nextAction)
	if reqID.Valid {
		job.RequestID = reqID.String
	}
	return job, nil
}

// Start moves PENDING→RUNNING and counts the pickup.
func (s *Postgres) Start(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET status = $2, attempts = attempts + 1, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(models.StatusRunning), statusStrings(models.Predecessors(models.StatusRunning)))
	if err != nil {
		return false, fmt.Errorf("start job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reclaim counts a redelivered pickup of a job that is already RUNNING. The status is unchanged.
func (s *Postgres) Reclaim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(models.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("reclaim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete moves RUNNING→COMPLETE and, only if that update applied, publishes the notice in the same transaction.
func (s *Postgres) Complete(ctx context.Context, id string, result models.Result, notice *models.MailboxMessage) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET status = $2, result = $3, error_code = NULL, error_message = NULL, next_action = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, string(models.StatusComplete), resultJSON, statusStrings(models.Predecessors(models.StatusComplete)))
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if notice != nil {
		if _, err := insertMailbox(ctx, tx, *notice); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Fail moves RUNNING→ERROR with the failure triple and publishes the notice in the same transaction.
func (s *Postgres) Fail(ctx context.Context, id string, f Failure, notice *models.MailboxMessage) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET status = $2, result = NULL, error_code = $3, error_message = $4, next_action = $5,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, id, string(models.StatusError), string(f.Code), f.Message, emptyToNil(f.NextAction),
		statusStrings(models.Predecessors(models.StatusError)))
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if notice != nil {
		if _, err := insertMailbox(ctx, tx, *notice); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Cancel moves PENDING or RUNNING to CANCELED. When the update does not apply it
// re-reads the row and returns the status that blocked it.
func (s *Postgres) Cancel(ctx context.Context, id string) (models.Status, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", false, ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET status = $2, canceled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(models.StatusCanceled), statusStrings(models.Predecessors(models.StatusCanceled)))
	if err != nil {
		return "", false, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return models.StatusCanceled, true, nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", false, err
	}
	return job.Status, false, nil
}

// Commit moves COMPLETE→COMMITTED.
func (s *Postgres) Commit(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET status = $2, committed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(models.StatusCommitted), statusStrings(models.Predecessors(models.StatusCommitted)))
	if err != nil {
		return false, fmt.Errorf("commit job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Abandon moves COMPLETE→ABANDONED.
func (s *Postgres) Abandon(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_parse_jobs
		SET status = $2, abandoned_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(models.StatusAbandoned), statusStrings(models.Predecessors(models.StatusAbandoned)))
	if err != nil {
		return false, fmt.Errorf("abandon job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleComplete returns ids of COMPLETE jobs whose completed_at is before cutoff, oldest first.
func (s *Postgres) ListStaleComplete(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text FROM recipe_parse_jobs
		WHERE status = $1 AND completed_at < $2
		ORDER BY completed_at
		LIMIT $3
	`, string(models.StatusComplete), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendIngestionDraft adds a draft row with the next sequence number for the job.
func (s *Postgres) AppendIngestionDraft(ctx context.Context, d models.IngestionDraft) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	var draftJSON []byte
	if d.Draft != nil {
		b, err := json.Marshal(d.Draft)
		if err != nil {
			return fmt.Errorf("marshal draft: %w", err)
		}
		draftJSON = b
	}
	diagJSON, err := json.Marshal(d.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_drafts (id, job_id, seq, tier, stage, draft, diagnostics, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, NOW()
		FROM ingestion_drafts WHERE job_id = $2
	`, d.ID, d.JobID, d.Tier, d.Stage, draftJSON, diagJSON)
	if err != nil {
		return fmt.Errorf("insert ingestion draft: %w", err)
	}
	return nil
}

// ListIngestionDrafts returns the draft history of a job in sequence order.
func (s *Postgres) ListIngestionDrafts(ctx context.Context, jobID string) ([]models.IngestionDraft, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, job_id::text, seq, tier, stage, draft, diagnostics, created_at
		FROM ingestion_drafts WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query ingestion drafts: %w", err)
	}
	defer rows.Close()

	var out []models.IngestionDraft
	for rows.Next() {
		var (
			d                   models.IngestionDraft
			draftJSON, diagJSON []byte
		)
		if err := rows.Scan(&d.ID, &d.JobID, &d.Seq, &d.Tier, &d.Stage, &draftJSON, &diagJSON, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ingestion draft: %w", err)
		}
		if len(draftJSON) > 0 {
			if err := json.Unmarshal(draftJSON, &d.Draft); err != nil {
				return nil, fmt.Errorf("unmarshal draft: %w", err)
			}
		}
		if err := json.Unmarshal(diagJSON, &d.Diagnostics); err != nil {
			return nil, fmt.Errorf("unmarshal diagnostics: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PublishMailbox inserts a message unless the job already has one.
func (s *Postgres) PublishMailbox(ctx context.Context, m models.MailboxMessage) (bool, error) {
	return insertMailbox(ctx, s.pool, m)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertMailbox(ctx context.Context, db execer, m models.MailboxMessage) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	previewJSON, err := nullableJSON(m.Preview)
	if err != nil {
		return false, fmt.Errorf("marshal preview: %w", err)
	}
	failureJSON, err := nullableJSON(m.Failure)
	if err != nil {
		return false, fmt.Errorf("marshal failure: %w", err)
	}
	tag, err := db.Exec(ctx, `
		INSERT INTO mailbox_messages (id, user_id, type, job_id, preview, failure, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING
	`, m.ID, m.UserID, m.Type, m.JobID, previewJSON, failureJSON, m.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert mailbox message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMailbox returns a user's messages, newest first. Reading never mutates them.
func (s *Postgres) ListMailbox(ctx context.Context, userID string, limit int) ([]models.MailboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id, type, job_id::text, preview, failure, created_at
		FROM mailbox_messages WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query mailbox: %w", err)
	}
	defer rows.Close()

	var out []models.MailboxMessage
	for rows.Next() {
		var (
			m                        models.MailboxMessage
			previewJSON, failureJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.JobID, &previewJSON, &failureJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mailbox message: %w", err)
		}
		if len(previewJSON) > 0 {
			if err := json.Unmarshal(previewJSON, &m.Preview); err != nil {
				return nil, fmt.Errorf("unmarshal preview: %w", err)
			}
		}
		if len(failureJSON) > 0 {
			if err := json.Unmarshal(failureJSON, &m.Failure); err != nil {
				return nil, fmt.Errorf("unmarshal failure: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListPendingMailbox returns COMPLETE jobs for a user. Only preview fields are read from the result column.
func (s *Postgres) ListPendingMailbox(ctx context.Context, userID string, limit int) ([]models.MailboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, job_type, completed_at,
		       COALESCE(result->'draft'->>'title', ''),
		       CASE WHEN jsonb_typeof(result->'draft'->'ingredients') = 'array'
		            THEN jsonb_array_length(result->'draft'->'ingredients') ELSE 0 END,
		       CASE WHEN jsonb_typeof(result->'draft'->'steps') = 'array'
		            THEN jsonb_array_length(result->'draft'->'steps') ELSE 0 END,
		       COALESCE(result->>'strategy', ''),
		       COALESCE(result->'draft'->>'source_url', ''),
		       COALESCE(result->'draft'->>'image_url', '')
		FROM recipe_parse_jobs
		WHERE user_id = $1 AND status = $2
		ORDER BY completed_at DESC
		LIMIT $3
	`, userID, string(models.StatusComplete), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending mailbox: %w", err)
	}
	defer rows.Close()

	var out []models.MailboxEntry
	for rows.Next() {
		var (
			e       models.MailboxEntry
			jobType string
		)
		if err := rows.Scan(&e.JobID, &jobType, &e.CompletedAt, &e.Preview.Title, &e.Preview.IngredientCount,
			&e.Preview.StepCount, &e.Preview.Strategy, &e.Preview.SourceURL, &e.Preview.ImageURL); err != nil {
			return nil, fmt.Errorf("scan pending mailbox entry: %w", err)
		}
		e.JobType = models.JobType(jobType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case *models.Preview:
		if t == nil {
			return nil, nil
		}
	case *models.FailureSummary:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
