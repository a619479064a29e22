package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"recipe-ingestion/internal/models"
)

// Memory is an in-process Store for tests and single-node development. It
// applies the same predecessor table as Postgres; the mutex stands in for the
// row-level atomicity of a conditional UPDATE.
type Memory struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	drafts  map[string][]models.IngestionDraft
	mailbox []models.MailboxMessage
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*models.Job),
		drafts: make(map[string][]models.IngestionDraft),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Tests use it to age jobs.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	job := &models.Job{
		ID:        p.ID,
		UserID:    p.UserID,
		Type:      p.Type,
		Source:    p.Source,
		Status:    models.StatusPending,
		RequestID: p.RequestID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[p.ID] = job
	return cloneJob(job), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// transition applies fn and moves the job to "to" only when its current status
// is an allowed predecessor. The caller must hold m.mu.
func (m *Memory) transition(id string, to models.Status, fn func(j *models.Job, now time.Time)) (bool, error) {
	job, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !models.CanTransition(job.Status, to) {
		return false, nil
	}
	now := m.now()
	job.Status = to
	job.UpdatedAt = now
	if fn != nil {
		fn(job, now)
	}
	return true, nil
}

func (m *Memory) Start(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusRunning, func(j *models.Job, now time.Time) {
		j.Attempts++
		j.StartedAt = &now
	})
}

func (m *Memory) Reclaim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != models.StatusRunning {
		return false, nil
	}
	job.Attempts++
	job.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) Complete(_ context.Context, id string, result models.Result, notice *models.MailboxMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied, err := m.transition(id, models.StatusComplete, func(j *models.Job, now time.Time) {
		r := result
		j.Result = &r
		j.ErrorCode, j.ErrorMessage, j.NextAction = nil, nil, nil
		j.CompletedAt = &now
	})
	if err != nil || !applied {
		return applied, err
	}
	if notice != nil {
		m.appendMailbox(*notice)
	}
	return true, nil
}

func (m *Memory) Fail(_ context.Context, id string, f Failure, notice *models.MailboxMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied, err := m.transition(id, models.StatusError, func(j *models.Job, now time.Time) {
		code, msg := f.Code, f.Message
		j.Result = nil
		j.ErrorCode = &code
		j.ErrorMessage = &msg
		if f.NextAction != "" {
			action := f.NextAction
			j.NextAction = &action
		}
		j.CompletedAt = &now
	})
	if err != nil || !applied {
		return applied, err
	}
	if notice != nil {
		m.appendMailbox(*notice)
	}
	return true, nil
}

func (m *Memory) Cancel(_ context.Context, id string) (models.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied, err := m.transition(id, models.StatusCanceled, func(j *models.Job, now time.Time) {
		j.CanceledAt = &now
	})
	if err != nil {
		return "", false, err
	}
	return m.jobs[id].Status, applied, nil
}

func (m *Memory) Commit(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusCommitted, func(j *models.Job, now time.Time) {
		j.CommittedAt = &now
	})
}

func (m *Memory) Abandon(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusAbandoned, func(j *models.Job, now time.Time) {
		j.AbandonedAt = &now
	})
}

func (m *Memory) ListStaleComplete(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusComplete && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].CompletedAt.Before(*stale[b].CompletedAt) })
	ids := make([]string, 0, len(stale))
	for _, j := range stale {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (m *Memory) AppendIngestionDraft(_ context.Context, d models.IngestionDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[d.JobID]; !ok {
		return ErrNotFound
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Seq = len(m.drafts[d.JobID]) + 1
	d.CreatedAt = m.now()
	if d.Draft != nil {
		cp := *d.Draft
		d.Draft = &cp
	}
	m.drafts[d.JobID] = append(m.drafts[d.JobID], d)
	return nil
}

func (m *Memory) ListIngestionDrafts(_ context.Context, jobID string) ([]models.IngestionDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]models.IngestionDraft, len(m.drafts[jobID]))
	copy(out, m.drafts[jobID])
	return out, nil
}

func (m *Memory) PublishMailbox(_ context.Context, msg models.MailboxMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendMailbox(msg), nil
}

// appendMailbox enforces one message per job. The caller must hold m.mu.
func (m *Memory) appendMailbox(msg models.MailboxMessage) bool {
	for _, existing := range m.mailbox {
		if existing.JobID == msg.JobID {
			return false
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.mailbox = append(m.mailbox, msg)
	return true
}

func (m *Memory) ListMailbox(_ context.Context, userID string, limit int) ([]models.MailboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MailboxMessage
	for i := len(m.mailbox) - 1; i >= 0; i-- {
		if m.mailbox[i].UserID != userID {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.mailbox[i])
	}
	return out, nil
}

func (m *Memory) ListPendingMailbox(_ context.Context, userID string, limit int) ([]models.MailboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.MailboxEntry
	for _, j := range m.jobs {
		if j.UserID != userID || j.Status != models.StatusComplete || j.CompletedAt == nil {
			continue
		}
		out = append(out, models.MailboxEntry{
			JobID:       j.ID,
			JobType:     j.Type,
			Preview:     models.NewPreview(j.Result),
			CompletedAt: *j.CompletedAt,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CompletedAt.After(out[b].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}
