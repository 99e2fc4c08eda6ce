// Package extract defines the Provider interface for LLM-backed field
// extraction.
//
// A provider takes a spoken-form transcript plus the form's field schema and
// returns a key → value mapping: the structured form data the model could
// discover in the transcript. The prompt construction and the response
// normalization are shared across backends (see [BuildPrompt] and
// [ParseResult]) so each provider only supplies transport.
//
// Guarantee: the returned mapping's keys are a subset of the schema keys, and
// every schema key is present — a field with no discoverable value maps to
// nil, never omitted. Callers validate preconditions (non-empty transcript
// and schema) before invoking a provider; providers do not.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/voxform/voxform/pkg/forms"
)

// Provider is the abstraction over any field-extraction backend.
type Provider interface {
	// Extract parses transcript into a field-key → value mapping guided by
	// schema. A single attempt is made; failures are reported as a
	// [*ExtractionError] whose Reason is safe to surface to the user.
	Extract(ctx context.Context, transcript string, schema []forms.FieldSchema) (map[string]any, error)
}

// ExtractionError reports a failed extraction attempt.
type ExtractionError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Reason, e.Err)
	}
	return "extraction failed: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *ExtractionError) Unwrap() error { return e.Err }

// AsExtractionError extracts a *ExtractionError from err's chain.
func AsExtractionError(err error) (*ExtractionError, bool) {
	var ee *ExtractionError
	ok := errors.As(err, &ee)
	return ee, ok
}

// systemPrompt is the instruction shared by all LLM-backed providers. The
// model sees the schema as JSON and must answer with a single JSON object.
const systemPrompt = `You extract structured form data from a spoken transcript.
You are given a JSON array of field definitions. Each entry has "label",
"internal_key", "field_type", and, where applicable, "options" (the only
permitted values for choice fields) or "rating_min"/"rating_max" (the
inclusive bounds for rating fields).

Respond with exactly one JSON object and nothing else. Its keys are the
internal_key values; each value is the datum spoken in the transcript,
converted to the field type: a string for text, date (ISO 8601), and
single-choice fields; a number for number and rating fields; true or false
for boolean fields; an array of option strings for multi-choice fields.
Use null for any field the transcript does not mention.`

// BuildPrompt renders the system and user messages sent to an extraction
// model for the given transcript and schema.
func BuildPrompt(transcript string, schema []forms.FieldSchema) (system, user string, err error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return "", "", fmt.Errorf("extract: marshal schema: %w", err)
	}
	user = fmt.Sprintf("Fields:\n%s\n\nTranscript:\n%s", schemaJSON, transcript)
	return systemPrompt, user, nil
}

// ParseResult normalizes a model's raw reply into the contract mapping:
// keys ⊆ schema keys, every schema key present, undiscovered fields nil.
// Markdown code fences around the JSON object are tolerated — several
// backends add them despite instructions.
func ParseResult(raw string, schema []forms.FieldSchema) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ExtractionError{Reason: "model returned a malformed result", Err: err}
	}

	result := make(map[string]any, len(schema))
	for _, entry := range schema {
		if v, ok := parsed[entry.Key]; ok {
			result[entry.Key] = v
		} else {
			result[entry.Key] = nil
		}
	}
	return result, nil
}
