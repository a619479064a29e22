package image

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/queue"
)

// ErrOCRTimeout means no completion arrived before the tier deadline.
var ErrOCRTimeout = errors.New("ocr completion timed out")

// OCRCall is one tier's request for every image of a job.
type OCRCall struct {
	JobID     string
	Attempt   int
	RequestID string
	Tier      int
	Provider  string
	Language  string
	Refs      []models.ImageRef
	Timeout   time.Duration
}

// OCR extracts text from images. Results are index aligned with Refs.
type OCR interface {
	Recognize(ctx context.Context, call OCRCall) (envelope.OCRCompletion, error)
}

// Broker is the part of the queue client the OCR round trip needs.
type Broker interface {
	Send(ctx context.Context, queue string, env envelope.Envelope) error
	Receive(ctx context.Context, queue string, wait time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	DeadLetter(ctx context.Context, d *queue.Delivery, reason string) error
}

// QueueOCR hands OCR work to the extraction service and blocks on a private reply queue.
type QueueOCR struct {
	broker       Broker
	requestQueue string
	replyPrefix  string
	source       string
	target       string
	poll         time.Duration
	log          *zap.Logger
}

// NewQueueOCR sends to requestQueue and listens on queues named after replyPrefix.
func NewQueueOCR(b Broker, requestQueue, replyPrefix, source, target string, log *zap.Logger) *QueueOCR {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueOCR{
		broker:       b,
		requestQueue: requestQueue,
		replyPrefix:  replyPrefix,
		source:       source,
		target:       target,
		poll:         time.Second,
		log:          log,
	}
}

// ReplyQueue is unique per job, attempt and tier so a late answer to an earlier
// attempt is never mistaken for the current one.
func (o *QueueOCR) ReplyQueue(call OCRCall) string {
	return fmt.Sprintf("%s.reply.%s.%d.t%d", o.replyPrefix, call.JobID, call.Attempt, call.Tier)
}

func (o *QueueOCR) Recognize(ctx context.Context, call OCRCall) (envelope.OCRCompletion, error) {
	refs := make([]envelope.ImageRef, len(call.Refs))
	for i, r := range call.Refs {
		refs[i] = envelope.ImageRef{Kind: r.Kind, Value: r.Value, Index: i}
	}
	reply := o.ReplyQueue(call)
	env, err := envelope.New(envelope.TypeOCRRequest, call.JobID, o.source, o.target,
		envelope.OCRRequest{
			ImageRefs: refs,
			Options:   envelope.OCROptions{Language: call.Language, Provider: call.Provider, Tier: call.Tier},
		},
		envelope.WithJobID(fmt.Sprintf("%s:ocr:%d:%d", call.JobID, call.Attempt, call.Tier)),
		envelope.WithReplyTo(reply),
		envelope.WithRequestID(call.RequestID),
		envelope.WithParentJobID(call.JobID),
	)
	if err != nil {
		return envelope.OCRCompletion{}, err
	}
	switch err := o.broker.Send(ctx, o.requestQueue, env); {
	case errors.Is(err, queue.ErrDuplicate):
		o.log.Info("ocr request already in flight, waiting for its reply", zap.String("reply_to", reply))
	case err != nil:
		return envelope.OCRCompletion{}, fmt.Errorf("send ocr request: %w", err)
	}

	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}
	for {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return envelope.OCRCompletion{}, ErrOCRTimeout
			}
			return envelope.OCRCompletion{}, ctx.Err()
		}
		d, err := o.broker.Receive(ctx, reply, o.poll)
		if err != nil && d == nil {
			if ctx.Err() != nil {
				continue
			}
			return envelope.OCRCompletion{}, fmt.Errorf("receive ocr reply: %w", err)
		}
		if d == nil {
			continue
		}
		if err != nil {
			o.log.Warn("dead-lettering invalid ocr reply", zap.Error(err))
			_ = o.broker.DeadLetter(context.WithoutCancel(ctx), d, err.Error())
			continue
		}
		_ = o.broker.Ack(context.WithoutCancel(ctx), d)
		if d.Envelope.WorkflowID != call.JobID {
			o.log.Warn("ignoring reply for another job", zap.String("workflow_id", d.Envelope.WorkflowID))
			continue
		}
		return completionOf(d.Envelope)
	}
}

func completionOf(env envelope.Envelope) (envelope.OCRCompletion, error) {
	switch env.JobType {
	case envelope.TypeOCRCompleted:
		return envelope.DecodePayload[envelope.OCRCompletion](env)
	case envelope.TypeFailed:
		f, err := envelope.DecodePayload[envelope.Failure](env)
		if err != nil {
			return envelope.OCRCompletion{}, err
		}
		return envelope.OCRCompletion{}, fmt.Errorf("ocr service gave up after %d attempts: %s: %s", f.Attempts, f.Error.Code, f.Error.Message)
	}
	return envelope.OCRCompletion{}, fmt.Errorf("%w: unexpected reply type %s", envelope.ErrInvalid, env.JobType)
}
