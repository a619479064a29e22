package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/models"
)

// RecordSink persists a committed recipe downstream. Save must be idempotent
// per job id: saving the same job twice leaves one record.
type RecordSink interface {
	Save(ctx context.Context, job models.Job) error
}

// LogSink only logs the commit. Used when no downstream is configured.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Save(_ context.Context, job models.Job) error {
	s.Log.Info("recipe committed", zap.String("job_id", job.ID), zap.String("user_id", job.UserID),
		zap.String("title", job.Result.Draft.Title))
	return nil
}

// HTTPSink posts the committed draft as JSON to a recipes service.
type HTTPSink struct {
	URL    string
	Client *http.Client
}

// NewHTTPSink returns a sink with a bounded client timeout.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{URL: url, Client: &http.Client{Timeout: timeout}}
}

type sinkRecord struct {
	JobID    string         `json:"job_id"`
	UserID   string         `json:"user_id"`
	Strategy string         `json:"strategy"`
	Recipe   any            `json:"recipe"`
	Source   models.JobType `json:"source_type"`
}

func (s *HTTPSink) Save(ctx context.Context, job models.Job) error {
	body, err := json.Marshal(sinkRecord{
		JobID:    job.ID,
		UserID:   job.UserID,
		Strategy: job.Result.Strategy,
		Recipe:   job.Result.Draft,
		Source:   job.Type,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.ID)
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("post record: status %d", resp.StatusCode)
	}
	return nil
}
