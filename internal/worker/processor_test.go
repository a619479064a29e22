package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/pipeline"
	"recipe-ingestion/internal/queue"
)

const (
	jobsQueue  = "recipes.jobs"
	replyQueue = "recipes.replies"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff not capped: %s", b10)
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	err     error
	tasks   []pipeline.Task
	aborted []string
}

func (f *fakeRunner) Process(_ context.Context, t pipeline.Task) (pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	if f.err != nil {
		return pipeline.OutcomeRetry, f.err
	}
	return pipeline.OutcomeCompleted, nil
}

func (f *fakeRunner) Abort(_ context.Context, jobID string, _ error) (pipeline.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, jobID)
	return pipeline.OutcomeFailed, nil
}

func setup(t *testing.T, r Runner) (*Processor, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		ServiceName:        "recipes-worker",
		RecipesQueue:       jobsQueue,
		DLQName:            "recipes.dlq",
		ReceiveWait:        time.Second,
		VisibilityTimeout:  time.Minute,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		ScheduledBatchSize: 10,
		MaxAttemptsURL:     3,
		MaxAttemptsImage:   2,
	}
	q := queue.NewRedisQueue(client, cfg)
	return NewProcessor(cfg, q, r, "w1", nil), client
}

func parseEnvelope(t *testing.T, jobType, jobID string, attempt int) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(jobType, jobID, "recipes-api", "recipes-worker", envelope.ParseRequest{UserID: "u1"},
		envelope.WithJobID(jobID), envelope.WithReplyTo(replyQueue), envelope.WithRequestID("req-1"))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.Attempt = attempt
	return env
}

func receive(t *testing.T, p *Processor, name string) *queue.Delivery {
	t.Helper()
	d, err := p.queue.Receive(context.Background(), name, time.Second)
	if err != nil || d == nil {
		t.Fatalf("receive %s: d=%v err=%v", name, d, err)
	}
	return d
}

func TestSuccessfulDeliveryIsAcked(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{}
	p, client := setup(t, r)
	if err := p.queue.Send(ctx, jobsQueue, parseEnvelope(t, envelope.TypeParseURL, "job-1", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}

	p.handle(ctx, receive(t, p, jobsQueue))

	if len(r.tasks) != 1 || r.tasks[0].JobID != "job-1" || r.tasks[0].RequestID != "req-1" || r.tasks[0].Final {
		t.Fatalf("unexpected tasks %+v", r.tasks)
	}
	if n := client.LLen(ctx, jobsQueue+":processing").Val(); n != 0 {
		t.Fatalf("delivery not acked, processing=%d", n)
	}
	if n := client.ZCard(ctx, jobsQueue+":inflight").Val(); n != 0 {
		t.Fatalf("inflight not cleared, %d", n)
	}
}

func TestFailedAttemptSchedulesNext(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{err: extract.Fail(models.ErrFetchTimeout, "slow")}
	p, client := setup(t, r)
	if err := p.queue.Send(ctx, jobsQueue, parseEnvelope(t, envelope.TypeParseURL, "job-2", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}

	p.handle(ctx, receive(t, p, jobsQueue))
	if n := client.ZCard(ctx, jobsQueue+":scheduled").Val(); n != 1 {
		t.Fatalf("expected one scheduled retry, got %d", n)
	}
	if n := client.LLen(ctx, jobsQueue+":processing").Val(); n != 0 {
		t.Fatalf("original delivery must be acked, processing=%d", n)
	}

	p.maintain(ctx, time.Now().Add(time.Minute))
	d := receive(t, p, jobsQueue)
	if d.Envelope.Attempt != 2 || d.Envelope.JobID != "job-2" {
		t.Fatalf("unexpected redelivery %+v", d.Envelope)
	}
	if len(r.aborted) != 0 {
		t.Fatalf("job must not be aborted before the ceiling")
	}
}

func TestFinalAttemptIsMarkedFinal(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{}
	p, _ := setup(t, r)
	if err := p.queue.Send(ctx, jobsQueue, parseEnvelope(t, envelope.TypeParseImage, "job-3", 2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	p.handle(ctx, receive(t, p, jobsQueue))
	if len(r.tasks) != 1 || !r.tasks[0].Final {
		t.Fatalf("attempt 2 of 2 must be final, got %+v", r.tasks)
	}
}

func TestExhaustedAttemptsAbortAndReply(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{err: errors.New("worker lost its database")}
	p, client := setup(t, r)
	if err := p.queue.Send(ctx, jobsQueue, parseEnvelope(t, envelope.TypeParseURL, "job-4", 3)); err != nil {
		t.Fatalf("send: %v", err)
	}

	p.handle(ctx, receive(t, p, jobsQueue))

	if len(r.aborted) != 1 || r.aborted[0] != "job-4" {
		t.Fatalf("expected abort of job-4, got %v", r.aborted)
	}
	if n := client.ZCard(ctx, jobsQueue+":scheduled").Val(); n != 0 {
		t.Fatalf("no retry may be scheduled past the ceiling, got %d", n)
	}
	reply := receive(t, p, replyQueue)
	if reply.Envelope.JobType != envelope.TypeFailed {
		t.Fatalf("expected job.failed, got %s", reply.Envelope.JobType)
	}
	f, err := envelope.DecodePayload[envelope.Failure](reply.Envelope)
	if err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if f.Attempts != 3 || f.FailedJobType != envelope.TypeParseURL || f.Error.Code != string(models.ErrInternal) {
		t.Fatalf("unexpected failure payload %+v", f)
	}
	dead, _ := p.queue.DLQPeek(ctx, 10)
	if len(dead) != 1 || dead[0].Queue != jobsQueue {
		t.Fatalf("expected one dead letter, got %+v", dead)
	}
}

func TestRunDeadLettersInvalidEnvelope(t *testing.T) {
	r := &fakeRunner{}
	p, client := setup(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	client.RPush(ctx, jobsQueue, `{"schema_version":1,"job_type":"recipe.parse.url.requested"}`)
	if err := p.queue.Send(ctx, jobsQueue, parseEnvelope(t, envelope.TypeParseURL, "job-5", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	dead, _ := p.queue.DLQPeek(context.Background(), 10)
	if len(dead) != 1 {
		t.Fatalf("expected the bad body in the DLQ, got %+v", dead)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) != 1 || r.tasks[0].JobID != "job-5" {
		t.Fatalf("valid envelope after the bad one must still run, got %+v", r.tasks)
	}
}

func TestUnknownHandlerIsRejected(t *testing.T) {
	ctx := context.Background()
	p, _ := setup(t, &fakeRunner{})
	env, err := envelope.New(envelope.TypeOCRCompleted, "wf", "ocr", "recipes-worker", envelope.OCRCompletion{
		Status:  envelope.StatusSuccess,
		Results: []envelope.OCRResult{{Index: 0, OCRText: "text"}},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.queue.Send(ctx, jobsQueue, env); err != nil {
		t.Fatalf("send: %v", err)
	}
	p.handle(ctx, receive(t, p, jobsQueue))
	dead, _ := p.queue.DLQPeek(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("expected unhandled envelope in DLQ, got %+v", dead)
	}
}

func TestClaimCeilingDeadLettersOnFirstEnvelopeAttempt(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{err: &extract.Failure{
		Code:      models.ErrInternal,
		Message:   "job was delivered 4 times without finishing",
		Permanent: true,
		Err:       &pipeline.ExhaustedError{Attempts: 4, Max: 3},
	}}
	p, client := setup(t, r)
	if err := p.queue.Send(ctx, jobsQueue, parseEnvelope(t, envelope.TypeParseURL, "job-6", 1)); err != nil {
		t.Fatalf("send: %v", err)
	}

	p.handle(ctx, receive(t, p, jobsQueue))

	if len(r.tasks) != 1 || r.tasks[0].MaxAttempts != 3 {
		t.Fatalf("task must carry the url ceiling, got %+v", r.tasks)
	}
	if len(r.aborted) != 1 || r.aborted[0] != "job-6" {
		t.Fatalf("expected abort of job-6, got %v", r.aborted)
	}
	if n := client.ZCard(ctx, jobsQueue+":scheduled").Val(); n != 0 {
		t.Fatalf("an exhausted job must not be retried, got %d scheduled", n)
	}
	if n := client.LLen(ctx, jobsQueue+":processing").Val(); n != 0 {
		t.Fatalf("delivery must leave processing, got %d", n)
	}
	reply := receive(t, p, replyQueue)
	f, err := envelope.DecodePayload[envelope.Failure](reply.Envelope)
	if err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if f.Attempts != 4 {
		t.Fatalf("job.failed must report the stored attempt count, got %d", f.Attempts)
	}
	dead, _ := p.queue.DLQPeek(ctx, 10)
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %+v", dead)
	}
}
