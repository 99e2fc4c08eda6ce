// Package forms defines the shared form-template types used across all
// Voxform packages.
//
// A form template is an ordered set of [FieldDefinition] values. The
// definitions drive three things: the prompt shown to the user before
// recording, the schema sent to the field-extraction service, and the
// per-type coercion applied to values during review. They form the lingua
// franca between the capture pipeline, the providers, and the storage layer,
// so cross-cutting shapes live here to avoid circular imports.
package forms

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidForm marks template validation failures so callers can tell a
// malformed definition apart from a storage fault.
var ErrInvalidForm = errors.New("forms: invalid form definition")

// FieldType enumerates the capturable field kinds. The set is closed: every
// switch over FieldType in this module lists all variants explicitly so that
// adding a new type surfaces as a compile-visible gap rather than silent
// fallthrough behaviour.
type FieldType string

const (
	// TypeShortText is a single-line free-text field.
	TypeShortText FieldType = "short-text"

	// TypeLongText is a multi-line free-text field.
	TypeLongText FieldType = "long-text"

	// TypeNumber is a numeric field (stored as float64).
	TypeNumber FieldType = "number"

	// TypeDate is a date field, stored as an ISO-8601 string.
	TypeDate FieldType = "date"

	// TypeBoolean is a yes/no field.
	TypeBoolean FieldType = "boolean"

	// TypeSingleChoice selects exactly one option from Choices.
	TypeSingleChoice FieldType = "single-choice"

	// TypeMultiChoice selects any subset of Choices, order-preserving and
	// duplicate-free.
	TypeMultiChoice FieldType = "multi-choice"

	// TypeRatedScale is an integer rating bounded by ScaleMin and ScaleMax.
	TypeRatedScale FieldType = "rated-scale"
)

// IsValid reports whether t is a recognised field type.
func (t FieldType) IsValid() bool {
	switch t {
	case TypeShortText, TypeLongText, TypeNumber, TypeDate, TypeBoolean,
		TypeSingleChoice, TypeMultiChoice, TypeRatedScale:
		return true
	}
	return false
}

// String returns the wire name of the field type.
func (t FieldType) String() string { return string(t) }

// NeedsChoices reports whether fields of this type must declare a Choices list.
func (t FieldType) NeedsChoices() bool {
	return t == TypeSingleChoice || t == TypeMultiChoice
}

// NeedsScale reports whether fields of this type must declare scale bounds.
func (t FieldType) NeedsScale() bool {
	return t == TypeRatedScale
}

// EmptyValue returns the type's empty default: the value a review form renders
// when extraction found nothing for the field. It is never nil so downstream
// rendering stays total.
func (t FieldType) EmptyValue() any {
	switch t {
	case TypeShortText, TypeLongText, TypeDate, TypeSingleChoice:
		return ""
	case TypeNumber, TypeRatedScale:
		return float64(0)
	case TypeBoolean:
		return false
	case TypeMultiChoice:
		return []string{}
	default:
		return ""
	}
}

// FieldDefinition describes one capturable datum of a form template.
// Definitions are authored out of band and are immutable inputs to the
// capture pipeline.
type FieldDefinition struct {
	// Key is the unique, stable identifier of the field within its form.
	Key string `json:"key" yaml:"key"`

	// Label is the human-readable prompt shown to the user and sent to the
	// extraction service.
	Label string `json:"label" yaml:"label"`

	// Type selects the field kind.
	Type FieldType `json:"type" yaml:"type"`

	// Choices is the ordered option list. Present only for single-choice and
	// multi-choice fields.
	Choices []string `json:"choices,omitempty" yaml:"choices,omitempty"`

	// ScaleMin and ScaleMax bound a rated-scale field. Present only for
	// rated-scale; ScaleMin must be strictly less than ScaleMax.
	ScaleMin int `json:"scaleMin,omitempty" yaml:"scale_min,omitempty"`
	ScaleMax int `json:"scaleMax,omitempty" yaml:"scale_max,omitempty"`
}

// Validate checks the definition in isolation. A definition that fails
// validation renders as an invalid-configuration message and accepts no input.
func (d FieldDefinition) Validate() error {
	var errs []error
	if d.Key == "" {
		errs = append(errs, errors.New("key is required"))
	}
	if d.Label == "" {
		errs = append(errs, errors.New("label is required"))
	}
	if !d.Type.IsValid() {
		errs = append(errs, fmt.Errorf("type %q is invalid", d.Type))
	}
	if d.Type.NeedsChoices() && len(d.Choices) == 0 {
		errs = append(errs, fmt.Errorf("type %q requires a non-empty choices list", d.Type))
	}
	if !d.Type.NeedsChoices() && len(d.Choices) > 0 {
		errs = append(errs, fmt.Errorf("type %q must not declare choices", d.Type))
	}
	if d.Type.NeedsScale() && d.ScaleMin >= d.ScaleMax {
		errs = append(errs, fmt.Errorf("rated-scale bounds [%d, %d] are invalid: min must be below max", d.ScaleMin, d.ScaleMax))
	}
	if !d.Type.NeedsScale() && (d.ScaleMin != 0 || d.ScaleMax != 0) {
		errs = append(errs, fmt.Errorf("type %q must not declare scale bounds", d.Type))
	}
	return errors.Join(errs...)
}

// ValidateFields checks a full field set: each definition individually plus
// key uniqueness across the set. Returns a joined error listing every failure.
func ValidateFields(fields []FieldDefinition) error {
	var errs []error
	seen := make(map[string]int, len(fields))
	for i, f := range fields {
		prefix := fmt.Sprintf("fields[%d]", i)
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if f.Key != "" {
			if prev, ok := seen[f.Key]; ok {
				errs = append(errs, fmt.Errorf("%s.key %q is a duplicate of fields[%d]", prefix, f.Key, prev))
			}
			seen[f.Key] = i
		}
	}
	return errors.Join(errs...)
}

// Form is a stored form template.
type Form struct {
	// ID is the template identifier assigned by the store.
	ID string `json:"id"`

	// Title is the human-readable form name.
	Title string `json:"title"`

	// Fields is the ordered field set captured by this form.
	Fields []FieldDefinition `json:"fields"`

	// CreatedAt is assigned by the store.
	CreatedAt time.Time `json:"createdAt"`
}

// FieldByKey returns the definition for key, or false when the form has no
// such field.
func (f Form) FieldByKey(key string) (FieldDefinition, bool) {
	for _, fd := range f.Fields {
		if fd.Key == key {
			return fd, true
		}
	}
	return FieldDefinition{}, false
}

// Submission is one persisted capture result. Submissions are immutable once
// written; there is no update or delete path.
type Submission struct {
	// ID is assigned by the store and returned to the caller so the user can
	// be routed to a confirmation view.
	ID string `json:"id"`

	// TemplateID references the form the submission was captured against.
	TemplateID string `json:"templateId"`

	// FormData is the finalized field-key → value mapping. Opaque to the store.
	FormData map[string]any `json:"formData"`

	// ActorID identifies the capturing user when one was authenticated.
	// Empty for anonymous captures.
	ActorID string `json:"actorId,omitempty"`

	// CreatedAt is assigned by the store.
	CreatedAt time.Time `json:"createdAt"`
}
