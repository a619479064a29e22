package image

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/queue"
)

func newBroker(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisQueue(client, config.Config{VisibilityTimeout: time.Minute, DedupWindow: time.Minute, DLQName: "dlq", InlineTextLimit: 64})
}

// serveOCR plays the extraction service for one request.
func serveOCR(t *testing.T, q *queue.RedisQueue, reply func(req envelope.Envelope) envelope.Envelope) <-chan envelope.Envelope {
	t.Helper()
	seen := make(chan envelope.Envelope, 1)
	go func() {
		ctx := context.Background()
		d, err := q.Receive(ctx, "ocr", 2*time.Second)
		if err != nil || d == nil {
			t.Errorf("service receive: d=%v err=%v", d, err)
			close(seen)
			return
		}
		_ = q.Ack(ctx, d)
		seen <- d.Envelope
		if err := q.Send(ctx, d.Envelope.ReplyQueue(), reply(d.Envelope)); err != nil {
			t.Errorf("service reply: %v", err)
		}
	}()
	return seen
}

func TestQueueOCRRoundTrip(t *testing.T) {
	q := newBroker(t)
	conf := 91.5
	seen := serveOCR(t, q, func(req envelope.Envelope) envelope.Envelope {
		env, _ := envelope.New(envelope.TypeOCRCompleted, req.WorkflowID, "ocr-service", "recipes",
			envelope.OCRCompletion{Status: envelope.StatusSuccess, Results: []envelope.OCRResult{
				{Index: 0, OCRText: strings.Repeat("flour ", 30), Meta: envelope.OCRMeta{Confidence: &conf, CharCount: 180}},
			}},
			envelope.WithParentJobID(req.WorkflowID))
		return env
	})

	o := NewQueueOCR(q, "ocr", "recipes", "recipes", "ocr-service", nil)
	o.poll = 100 * time.Millisecond
	got, err := o.Recognize(context.Background(), OCRCall{
		JobID: "job-7", Attempt: 1, Tier: 1, Provider: "fast", Language: "en",
		Refs: []models.ImageRef{{Kind: "s3", Value: "b/k.jpg"}}, Timeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	req := <-seen
	if req.JobType != envelope.TypeOCRRequest || req.WorkflowID != "job-7" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.ReplyQueue() != "recipes.reply.job-7.1.t1" {
		t.Fatalf("reply queue = %q", req.ReplyQueue())
	}
	if len(got.Results) != 1 || !got.Results[0].Truncated || len(got.Results[0].OCRText) != 64 {
		t.Fatalf("expected one result truncated to the inline limit, got %+v", got.Results)
	}
}

func TestQueueOCRFailureReply(t *testing.T) {
	q := newBroker(t)
	serveOCR(t, q, func(req envelope.Envelope) envelope.Envelope {
		env, _ := envelope.New(envelope.TypeFailed, req.WorkflowID, "ocr-service", "recipes",
			envelope.Failure{FailedJobType: envelope.TypeOCRRequest, Attempts: 3, Error: envelope.ErrorInfo{Code: "provider_down", Message: "no engine"}})
		return env
	})

	o := NewQueueOCR(q, "ocr", "recipes", "recipes", "ocr-service", nil)
	o.poll = 100 * time.Millisecond
	_, err := o.Recognize(context.Background(), OCRCall{
		JobID: "job-8", Attempt: 1, Tier: 2, Language: "en",
		Refs: []models.ImageRef{{Kind: "local", Value: "/tmp/a.png"}}, Timeout: 3 * time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "provider_down") {
		t.Fatalf("expected the failure envelope to surface, got %v", err)
	}
}

func TestQueueOCRTimeout(t *testing.T) {
	q := newBroker(t)
	o := NewQueueOCR(q, "ocr", "recipes", "recipes", "ocr-service", nil)
	o.poll = 50 * time.Millisecond
	_, err := o.Recognize(context.Background(), OCRCall{
		JobID: "job-9", Attempt: 1, Tier: 1, Language: "en",
		Refs: []models.ImageRef{{Kind: "url", Value: "https://x.test/a.jpg"}}, Timeout: 300 * time.Millisecond,
	})
	if !errors.Is(err, ErrOCRTimeout) {
		t.Fatalf("expected ErrOCRTimeout, got %v", err)
	}
}
