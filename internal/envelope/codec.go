package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxText is the largest ocr_text carried inline in an envelope.
const DefaultMaxText = 64 * 1024

// Codec encodes and decodes envelopes against the registered schemas.
// Inline OCR text longer than MaxText is cut and flagged as truncated in both
// directions, so an oversize producer never poisons a consumer.
type Codec struct {
	MaxText int
}

// NewCodec returns a codec with the given inline text limit. A non-positive
// limit falls back to DefaultMaxText.
func NewCodec(maxText int) Codec {
	if maxText <= 0 {
		maxText = DefaultMaxText
	}
	return Codec{MaxText: maxText}
}

// Encode applies the text limit, serializes env and validates the result.
func (c Codec) Encode(env Envelope) ([]byte, error) {
	limited, err := c.limit(env)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(limited)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode validates data against its job type's schema, decodes it strictly and
// applies the text limit.
func (c Codec) Decode(data []byte) (Envelope, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate(doc); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return c.limit(env)
}

func (c Codec) limit(env Envelope) (Envelope, error) {
	if env.JobType != TypeOCRCompleted {
		return env, nil
	}
	max := c.MaxText
	if max <= 0 {
		max = DefaultMaxText
	}
	completion, err := DecodePayload[OCRCompletion](env)
	if err != nil {
		return Envelope{}, err
	}
	changed := false
	for i := range completion.Results {
		text, cut := TruncateText(completion.Results[i].OCRText, max)
		if cut {
			completion.Results[i].OCRText = text
			completion.Results[i].Truncated = true
			changed = true
		}
	}
	if !changed {
		return env, nil
	}
	raw, err := json.Marshal(completion)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	env.Payload = raw
	return env, nil
}

// TruncateText cuts s to at most max bytes without splitting a rune.
func TruncateText(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
