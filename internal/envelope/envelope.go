package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// SchemaVersion is the only envelope version this build speaks.
const SchemaVersion = 1

// Job types carried on the queues.
const (
	TypeParseURL     = "recipe.parse.url.requested"
	TypeParsePayload = "recipe.parse.payload.requested"
	TypeParseImage   = "recipe.parse.image.requested"
	TypeOCRRequest   = "ocr.extract_text.requested"
	TypeOCRCompleted = "ocr.completed"
	TypeFailed       = "job.failed"
)

// ErrInvalid wraps every decode or schema failure.
var ErrInvalid = errors.New("invalid envelope")

// Envelope is the versioned wrapper exchanged between services over queues.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	JobID         string          `json:"job_id"`
	WorkflowID    string          `json:"workflow_id"`
	JobType       string          `json:"job_type"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempt       int             `json:"attempt"`
	ReplyTo       *string         `json:"reply_to"`
	Payload       json.RawMessage `json:"payload"`
	Trace         Trace           `json:"trace"`
}

// Trace carries correlation ids across services.
type Trace struct {
	RequestID   *string `json:"request_id"`
	ParentJobID *string `json:"parent_job_id"`
}

// Option customizes a new envelope.
type Option func(*Envelope)

// WithReplyTo names the queue the consumer should answer on.
func WithReplyTo(queue string) Option {
	return func(e *Envelope) {
		if queue != "" {
			e.ReplyTo = &queue
		}
	}
}

// WithRequestID sets trace.request_id.
func WithRequestID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.Trace.RequestID = &id
		}
	}
}

// WithParentJobID sets trace.parent_job_id.
func WithParentJobID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.Trace.ParentJobID = &id
		}
	}
}

// WithJobID overrides the generated job id.
func WithJobID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.JobID = id
		}
	}
}

// New builds a first-attempt envelope around payload.
func New(jobType, workflowID, source, target string, payload any, opts ...Option) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		SchemaVersion: SchemaVersion,
		JobID:         uuid.New().String(),
		WorkflowID:    workflowID,
		JobType:       jobType,
		Source:        source,
		Target:        target,
		CreatedAt:     time.Now().UTC().Round(0),
		Attempt:       1,
		Payload:       raw,
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env, nil
}

// Next returns the redelivery of e with the attempt counter advanced.
// The receiver is left untouched.
func (e Envelope) Next() Envelope {
	out := e
	out.Attempt = e.Attempt + 1
	out.CreatedAt = time.Now().UTC().Round(0)
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return out
}

// DedupKey identifies the logical unit of work this envelope carries. Two sends
// of the same request at the same attempt share a key.
func (e Envelope) DedupKey() string {
	h := xxhash.New()
	_, _ = h.WriteString(e.JobType)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(e.WorkflowID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(e.JobID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(e.Attempt))
	return fmt.Sprintf("%016x", h.Sum64())
}

// ReplyQueue returns reply_to or "" when absent.
func (e Envelope) ReplyQueue() string {
	if e.ReplyTo == nil {
		return ""
	}
	return *e.ReplyTo
}

// RequestID returns trace.request_id or "".
func (e Envelope) RequestID() string {
	if e.Trace.RequestID == nil {
		return ""
	}
	return *e.Trace.RequestID
}

// DecodePayload strictly decodes the payload into T, rejecting unknown fields.
func DecodePayload[T any](e Envelope) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: payload for %s: %v", ErrInvalid, e.JobType, err)
	}
	return out, nil
}
