package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	nullableString = map[string]any{"type": []any{"string", "null"}}
	errorInfoSchema = map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"code", "message"},
		"properties": map[string]any{
			"code":    map[string]any{"type": "string", "minLength": 1},
			"message": map[string]any{"type": "string"},
		},
	}
	nullableErrorInfo = map[string]any{"oneOf": []any{map[string]any{"type": "null"}, errorInfoSchema}}
)

// payloadSchemas maps each job type to the schema of its payload.
var payloadSchemas = map[string]map[string]any{
	TypeParseURL:     parseRequestSchema,
	TypeParsePayload: parseRequestSchema,
	TypeParseImage:   parseRequestSchema,
	TypeOCRRequest:   ocrRequestSchema,
	TypeOCRCompleted: ocrCompletionSchema,
	TypeFailed:       failureSchema,
}

var parseRequestSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"user_id"},
	"properties": map[string]any{
		"user_id": map[string]any{"type": "string", "minLength": 1},
	},
}

var ocrRequestSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"image_refs", "options"},
	"properties": map[string]any{
		"image_refs": map[string]any{
			"type":     "array",
			"minItems": 1,
			"maxItems": 8,
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"kind", "value", "index"},
				"properties": map[string]any{
					"kind":  map[string]any{"type": "string", "enum": []any{"s3", "local", "url"}},
					"value": map[string]any{"type": "string", "minLength": 1},
					"index": map[string]any{"type": "integer", "minimum": 0},
				},
			},
		},
		"options": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"language"},
			"properties": map[string]any{
				"language": map[string]any{"type": "string", "minLength": 1},
				"provider": map[string]any{"type": "string"},
				"tier":     map[string]any{"type": "integer", "minimum": 1, "maximum": 2},
			},
		},
	},
}

var ocrCompletionSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"status", "results", "error"},
	"properties": map[string]any{
		"status": map[string]any{"type": "string", "enum": []any{StatusSuccess, StatusPartial, StatusFailed}},
		"error":  nullableErrorInfo,
		"results": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"index", "ocr_text", "truncated", "meta", "error"},
				"properties": map[string]any{
					"index":     map[string]any{"type": "integer", "minimum": 0},
					"ocr_text":  map[string]any{"type": "string"},
					"truncated": map[string]any{"type": "boolean"},
					"error":     nullableErrorInfo,
					"meta": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"required":             []any{"confidence", "char_count"},
						"properties": map[string]any{
							"confidence":  map[string]any{"type": []any{"number", "null"}},
							"tier":        map[string]any{"type": "integer"},
							"provider":    map[string]any{"type": "string"},
							"char_count":  map[string]any{"type": "integer", "minimum": 0},
							"line_count":  map[string]any{"type": "integer", "minimum": 0},
							"duration_ms": map[string]any{"type": "integer", "minimum": 0},
						},
					},
				},
			},
		},
	},
}

var failureSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"failed_job_type", "attempts", "error"},
	"properties": map[string]any{
		"failed_job_type": map[string]any{"type": "string", "minLength": 1},
		"attempts":        map[string]any{"type": "integer", "minimum": 1},
		"error":           errorInfoSchema,
	},
}

func envelopeSchema(payload map[string]any) map[string]any {
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"required": []any{
			"schema_version", "job_id", "workflow_id", "job_type", "source", "target",
			"created_at", "attempt", "reply_to", "payload", "trace",
		},
		"properties": map[string]any{
			"schema_version": map[string]any{"const": SchemaVersion},
			"job_id":         map[string]any{"type": "string", "minLength": 1},
			"workflow_id":    map[string]any{"type": "string", "minLength": 1},
			"job_type":       map[string]any{"type": "string", "minLength": 1},
			"source":         map[string]any{"type": "string", "minLength": 1},
			"target":         map[string]any{"type": "string", "minLength": 1},
			"created_at":     map[string]any{"type": "string", "minLength": 1},
			"attempt":        map[string]any{"type": "integer", "minimum": 1},
			"reply_to":       nullableString,
			"payload":        payload,
			"trace": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []any{"request_id", "parent_job_id"},
				"properties": map[string]any{
					"request_id":    nullableString,
					"parent_job_id": nullableString,
				},
			},
		},
	}
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemaFor(jobType string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, len(payloadSchemas))
		for jt, payload := range payloadSchemas {
			b, err := json.Marshal(envelopeSchema(payload))
			if err != nil {
				compileErr = fmt.Errorf("marshal schema %s: %w", jt, err)
				return
			}
			url := jt + ".json"
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", jt, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", jt, err)
				return
			}
			compiled[jt] = schema
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiled[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown job_type %q", ErrInvalid, jobType)
	}
	return schema, nil
}

// Known reports whether jobType has a registered schema.
func Known(jobType string) bool {
	_, ok := payloadSchemas[jobType]
	return ok
}

// validate checks a raw envelope document against the schema of its declared job_type.
func validate(doc map[string]any) error {
	jobType, _ := doc["job_type"].(string)
	schema, err := schemaFor(jobType)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
