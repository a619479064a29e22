package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/pipeline"
	"recipe-ingestion/internal/queue"
	"recipe-ingestion/internal/telemetry"
)

// Runner is the part of the pipeline the consumer drives.
type Runner interface {
	Process(ctx context.Context, t pipeline.Task) (pipeline.Outcome, error)
	Abort(ctx context.Context, jobID string, cause error) (pipeline.Outcome, error)
}

// Handler executes one envelope. A nil error settles the delivery; an error asks
// for another attempt.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Processor consumes the recipes queue.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	runner   Runner
	handlers map[string]Handler
	workerID string
	log      *zap.Logger
}

// NewProcessor builds a consumer with the parse handlers registered.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, r Runner, workerID string, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   r,
		handlers: make(map[string]Handler),
		workerID: workerID,
		log:      log.With(zap.String("worker_id", workerID)),
	}
	for _, t := range []string{envelope.TypeParseURL, envelope.TypeParsePayload, envelope.TypeParseImage} {
		p.RegisterHandler(t, p.handleParse)
	}
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run receives and handles envelopes until ctx is canceled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		d, err := p.queue.Receive(ctx, p.cfg.RecipesQueue, p.cfg.ReceiveWait)
		if err != nil && d == nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("receive failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if d == nil {
			continue
		}
		if err != nil {
			p.reject(ctx, d, err.Error())
			continue
		}
		p.handle(ctx, d)
	}
}

// RunMaintenance promotes due retries, reclaims expired leases and samples queue
// depth every interval.
func (p *Processor) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.maintain(ctx, time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) maintain(ctx context.Context, now time.Time) {
	batch := int64(p.cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	queues := []string{p.cfg.RecipesQueue}
	if p.cfg.OCRQueue != "" {
		queues = append(queues, p.cfg.OCRQueue)
	}
	for _, name := range queues {
		if _, err := p.queue.PromoteScheduled(ctx, name, now, batch); err != nil && ctx.Err() == nil {
			p.log.Warn("promote scheduled failed", zap.String("queue", name), zap.Error(err))
		}
		if n, err := p.queue.RequeueExpired(ctx, name, now, batch); err != nil && ctx.Err() == nil {
			p.log.Warn("requeue expired failed", zap.String("queue", name), zap.Error(err))
		} else if n > 0 {
			p.log.Info("reclaimed expired leases", zap.String("queue", name), zap.Int("count", n))
		}
	}
	if depth, err := p.queue.Depth(ctx, queues...); err == nil {
		for name, n := range depth {
			telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(n))
		}
	}
}

func (p *Processor) handle(ctx context.Context, d *queue.Delivery) {
	env := d.Envelope
	log := p.log.With(zap.String("job_id", env.JobID), zap.String("job_type", env.JobType), zap.Int("attempt", env.Attempt))
	handler, ok := p.handlers[env.JobType]
	if !ok {
		p.reject(ctx, d, fmt.Sprintf("no handler for %s", env.JobType))
		return
	}

	leaseCtx, stop := context.WithCancel(ctx)
	go p.keepLease(leaseCtx, d)
	err := handler(ctx, env)
	stop()

	if ctx.Err() != nil {
		// Shutdown mid-job: leave the delivery unacked so the lease reclaimer hands it back.
		log.Info("shutdown during handling, leaving delivery for reclaim")
		return
	}
	if err == nil {
		if aerr := p.queue.Ack(ctx, d); aerr != nil {
			log.Warn("ack failed", zap.Error(aerr))
		}
		return
	}

	var ex *pipeline.ExhaustedError
	if errors.As(err, &ex) {
		// Redeliveries after crashes never advanced the envelope; stop here.
		p.exhaust(ctx, log, d, err, ex.Attempts)
		return
	}
	max := p.maxAttempts(env.JobType)
	if env.Attempt < max {
		wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, env.Attempt)
		serr := p.queue.Schedule(ctx, d.Queue, env.Next(), time.Now().Add(wait))
		if serr != nil && !errors.Is(serr, queue.ErrDuplicate) {
			log.Error("schedule retry failed, leaving delivery for reclaim", zap.Error(serr))
			return
		}
		telemetry.EnvelopesRetried.Inc()
		log.Warn("attempt failed, retry scheduled", zap.Duration("backoff", wait), zap.Error(err))
		if aerr := p.queue.Ack(ctx, d); aerr != nil {
			log.Warn("ack failed", zap.Error(aerr))
		}
		return
	}
	p.exhaust(ctx, log, d, err, env.Attempt)
}

// exhaust settles an envelope that hit its attempt ceiling: the job is written
// as ERROR, reply_to gets job.failed and the body is parked on the DLQ.
func (p *Processor) exhaust(ctx context.Context, log *zap.Logger, d *queue.Delivery, cause error, attempts int) {
	env := d.Envelope
	if isParse(env.JobType) && p.runner != nil {
		if _, err := p.runner.Abort(ctx, env.JobID, cause); err != nil {
			log.Error("abort job failed", zap.Error(err))
		}
	}
	if reply := env.ReplyQueue(); reply != "" {
		if err := p.sendFailure(ctx, reply, env, cause, attempts); err != nil {
			log.Error("send job.failed failed", zap.String("reply_to", reply), zap.Error(err))
		}
	}
	if err := p.queue.DeadLetter(ctx, d, "attempts exhausted: "+cause.Error()); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
		return
	}
	telemetry.EnvelopesDeadLetter.Inc()
	log.Error("attempts exhausted", zap.Error(cause))
}

func (p *Processor) sendFailure(ctx context.Context, reply string, env envelope.Envelope, cause error, attempts int) error {
	f := extract.AsFailure(cause)
	out, err := envelope.New(envelope.TypeFailed, env.WorkflowID, p.cfg.ServiceName, env.Source, envelope.Failure{
		FailedJobType: env.JobType,
		Attempts:      attempts,
		Error:         envelope.ErrorInfo{Code: string(f.Code), Message: f.Message},
	}, envelope.WithJobID(env.JobID), envelope.WithRequestID(env.RequestID()), envelope.WithParentJobID(env.JobID))
	if err != nil {
		return err
	}
	err = p.queue.Send(ctx, reply, out)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

func (p *Processor) reject(ctx context.Context, d *queue.Delivery, reason string) {
	telemetry.EnvelopeRejects.Inc()
	if err := p.queue.DeadLetter(ctx, d, reason); err != nil {
		p.log.Error("dead-letter failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	telemetry.EnvelopesDeadLetter.Inc()
	p.log.Warn("envelope rejected", zap.String("reason", reason))
}

// keepLease pushes the visibility deadline forward while a handler runs.
func (p *Processor) keepLease(ctx context.Context, d *queue.Delivery) {
	ttl := p.cfg.VisibilityTimeout
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, d, ttl); err != nil && ctx.Err() == nil {
				p.log.Warn("extend lease failed", zap.String("job_id", d.Envelope.JobID), zap.Error(err))
			}
		}
	}
}

func (p *Processor) handleParse(ctx context.Context, env envelope.Envelope) error {
	if _, err := envelope.DecodePayload[envelope.ParseRequest](env); err != nil {
		// Schema drift is not fixed by retrying; the job is failed right away.
		_, aerr := p.runner.Abort(ctx, env.JobID, extract.Wrap(models.ErrInternal, err, "unreadable parse request"))
		return aerr
	}
	out, err := p.runner.Process(ctx, pipeline.Task{
		JobID:       env.JobID,
		Attempt:     env.Attempt,
		RequestID:   env.RequestID(),
		Final:       env.Attempt >= p.maxAttempts(env.JobType),
		MaxAttempts: p.maxAttempts(env.JobType),
	})
	p.log.Debug("job handled", zap.String("job_id", env.JobID), zap.String("outcome", string(out)), zap.Error(err))
	return err
}

func (p *Processor) maxAttempts(jobType string) int {
	n := p.cfg.MaxAttempts(string(jobTypeOf(jobType)))
	if n < 1 {
		return 1
	}
	return n
}

func jobTypeOf(envelopeType string) models.JobType {
	switch envelopeType {
	case envelope.TypeParseURL:
		return models.JobTypeURL
	case envelope.TypeParsePayload:
		return models.JobTypePayload
	case envelope.TypeParseImage:
		return models.JobTypeImage
	}
	return ""
}

func isParse(envelopeType string) bool { return jobTypeOf(envelopeType) != "" }

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
