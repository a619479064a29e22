// Package pipeline runs one extraction job end to end: claim, cascade, and the
// conditional terminal write with its mailbox notice.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/extract/document"
	"recipe-ingestion/internal/extract/image"
	"recipe-ingestion/internal/mailbox"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/store"
	"recipe-ingestion/internal/telemetry"
	"recipe-ingestion/internal/web"
)

// Outcome says what Process did with a job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeConflict  Outcome = "conflict"
	// OutcomeExhausted means the job was claimed more times than its ceiling
	// allows. Nothing was written; the caller aborts and dead-letters it.
	OutcomeExhausted Outcome = "exhausted"
)

// ExhaustedError reports a job whose stored attempt count passed its ceiling,
// typically because earlier deliveries died before reaching a verdict.
type ExhaustedError struct {
	Attempts int
	Max      int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("claimed %d times, ceiling is %d", e.Attempts, e.Max)
}

// Fetcher downloads a page for url jobs.
type Fetcher interface {
	Fetch(ctx context.Context, raw string) (web.Page, error)
}

// DocumentRunner is the document cascade.
type DocumentRunner interface {
	Run(ctx context.Context, p *document.Page) (models.Result, error)
}

// ImageRunner is the image cascade.
type ImageRunner interface {
	Run(ctx context.Context, in image.Input) (models.Result, error)
}

// Task identifies one delivery of a job.
type Task struct {
	JobID     string
	Attempt   int
	RequestID string
	// Final is set on the last delivery the queue will make. A retryable failure
	// on the final attempt is written as ERROR instead of being handed back.
	Final bool
	// MaxAttempts caps how often the job may be claimed. Crash redeliveries reuse
	// the envelope attempt, so the stored count is what gets checked. Zero means
	// no cap.
	MaxAttempts int
}

// Pipeline is the extraction orchestrator.
type Pipeline struct {
	store   store.Store
	fetcher Fetcher
	docs    DocumentRunner
	images  ImageRunner
	now     func() time.Time
	log     *zap.Logger
}

// New wires the orchestrator.
func New(s store.Store, f Fetcher, docs DocumentRunner, images ImageRunner, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{store: s, fetcher: f, docs: docs, images: images, now: time.Now, log: log}
}

// Process runs t. A nil error means the delivery is settled and can be acked.
// A non-nil error asks the caller to redeliver; it is either a retryable
// *extract.Failure or an infrastructure error.
func (p *Pipeline) Process(ctx context.Context, t Task) (outcome Outcome, err error) {
	log := p.log.With(zap.String("job_id", t.JobID), zap.Int("attempt", t.Attempt), zap.String("request_id", t.RequestID))
	ctx, span := telemetry.StartSpan(ctx, "job.run", attribute.String("job_id", t.JobID), attribute.Int("attempt", t.Attempt))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		telemetry.EndSpan(span, err)
	}()

	job, claimed, err := p.claim(ctx, t.JobID)
	if err != nil {
		return "", err
	}
	if !claimed {
		log.Info("job not claimable, skipping", zap.String("status", string(job.Status)))
		return OutcomeSkipped, nil
	}
	log = log.With(zap.String("job_type", string(job.Type)))
	if t.MaxAttempts > 0 && job.Attempts > t.MaxAttempts {
		log.Warn("job claimed past its attempt ceiling", zap.Int("attempts", job.Attempts), zap.Int("max_attempts", t.MaxAttempts))
		return OutcomeExhausted, &extract.Failure{
			Code:      models.ErrInternal,
			Message:   fmt.Sprintf("job was delivered %d times without finishing", job.Attempts),
			Permanent: true,
			Err:       &ExhaustedError{Attempts: job.Attempts, Max: t.MaxAttempts},
		}
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	started := time.Now()
	result, runErr := p.run(ctx, job, t)
	if errors.Is(runErr, extract.ErrCanceled) {
		log.Info("job canceled mid-run, discarding work")
		return OutcomeCanceled, nil
	}
	if runErr == nil {
		if cerr := p.checkpoint(job.ID)(ctx); cerr != nil {
			if errors.Is(cerr, extract.ErrCanceled) {
				log.Info("job canceled before completion, discarding result")
				return OutcomeCanceled, nil
			}
			return "", cerr
		}
		applied, err := p.store.Complete(ctx, job.ID, result, mailbox.Completed(job, result, p.now()))
		if err != nil {
			return "", fmt.Errorf("complete job: %w", err)
		}
		if !applied {
			telemetry.TransitionConflicts.WithLabelValues(string(models.StatusComplete)).Inc()
			log.Info("completion lost the race, treating as no-op")
			return OutcomeConflict, nil
		}
		telemetry.TerminalTransitions.WithLabelValues(string(models.StatusComplete)).Inc()
		log.Info("job complete", zap.String("strategy", result.Strategy), zap.Int("tier", result.Tier),
			zap.Bool("used_llm", result.UsedLLM), zap.Duration("took", time.Since(started)))
		return OutcomeCompleted, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	f := extract.AsFailure(runErr)
	if f.Retryable() && !t.Final {
		log.Warn("retryable failure", zap.String("code", string(f.Code)), zap.Error(runErr))
		return OutcomeRetry, f
	}
	return p.fail(ctx, log, job, f)
}

// Abort writes ERROR for a job whose deliveries ran out without a cascade verdict.
func (p *Pipeline) Abort(ctx context.Context, jobID string, cause error) (Outcome, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status == models.StatusPending {
		if _, err := p.store.Start(ctx, jobID); err != nil {
			return "", err
		}
	}
	f := extract.AsFailure(cause)
	if f == nil {
		f = extract.Fail(models.ErrInternal, "delivery attempts exhausted")
	}
	return p.fail(ctx, p.log.With(zap.String("job_id", jobID)), job, f)
}

func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, job models.Job, f *extract.Failure) (Outcome, error) {
	sf := store.Failure{Code: f.Code, Message: f.Message, NextAction: f.NextAction}
	applied, err := p.store.Fail(ctx, job.ID, sf, mailbox.Failed(job, sf, p.now()))
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	if !applied {
		telemetry.TransitionConflicts.WithLabelValues(string(models.StatusError)).Inc()
		log.Info("failure lost the race, treating as no-op")
		return OutcomeConflict, nil
	}
	telemetry.TerminalTransitions.WithLabelValues(string(models.StatusError)).Inc()
	log.Warn("job failed", zap.String("code", string(f.Code)), zap.String("message", f.Message), zap.Error(f.Err))
	return OutcomeFailed, nil
}

// claim moves a PENDING job to RUNNING, or re-takes a RUNNING job whose
// previous delivery died. Anything else is not ours to run.
func (p *Pipeline) claim(ctx context.Context, id string) (models.Job, bool, error) {
	job, err := p.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	var ok bool
	switch job.Status {
	case models.StatusPending:
		ok, err = p.store.Start(ctx, id)
	case models.StatusRunning:
		ok, err = p.store.Reclaim(ctx, id)
	default:
		return job, false, nil
	}
	if err != nil || !ok {
		if !ok && err == nil {
			telemetry.TransitionConflicts.WithLabelValues(string(models.StatusRunning)).Inc()
		}
		return job, false, err
	}
	job, err = p.store.GetJob(ctx, id)
	return job, err == nil, err
}

// checkpoint re-reads the job. Anything but RUNNING means another writer owns it now.
func (p *Pipeline) checkpoint(id string) extract.Checkpoint {
	return func(ctx context.Context) error {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != models.StatusRunning {
			return extract.ErrCanceled
		}
		return nil
	}
}

func (p *Pipeline) run(ctx context.Context, job models.Job, t Task) (models.Result, error) {
	cp := p.checkpoint(job.ID)
	hint, lang := "", ""
	if o := job.Source.Options; o != nil {
		hint, lang = o.TitleHint, o.Language
	}

	switch job.Type {
	case models.JobTypeURL:
		if err := cp.Check(ctx); err != nil {
			return models.Result{}, err
		}
		page, err := p.fetcher.Fetch(ctx, job.Source.URL)
		if err != nil {
			return models.Result{}, err
		}
		if err := cp.Check(ctx); err != nil {
			return models.Result{}, err
		}
		res, err := p.docs.Run(ctx, document.FromFetch(page, hint))
		if err == nil && page.Truncated {
			res.Warnings = append(res.Warnings, "page exceeded the size cap and was truncated")
		}
		return res, err

	case models.JobTypePayload:
		if err := document.ValidatePayload(job.Source.Payload); err != nil {
			return models.Result{}, err
		}
		if err := cp.Check(ctx); err != nil {
			return models.Result{}, err
		}
		return p.docs.Run(ctx, document.FromPayload(*job.Source.Payload, hint))

	case models.JobTypeImage:
		return p.images.Run(ctx, image.Input{
			JobID:      job.ID,
			Attempt:    t.Attempt,
			RequestID:  t.RequestID,
			Refs:       job.Source.Images,
			TitleHint:  hint,
			Language:   lang,
			Checkpoint: cp,
		})
	}
	return models.Result{}, &extract.Failure{Code: models.ErrInternal, Message: "unknown job type " + string(job.Type), Permanent: true}
}
