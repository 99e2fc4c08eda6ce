// Package review holds the mutable, user-editable field values of one capture
// session between extraction and submission.
//
// The Store is the single place where type coercion happens: whatever shape a
// value arrives in (an extraction result, a slider event, a typed edit), Set
// normalizes it to the field type's canonical runtime shape before storing.
// Reads are total: Get returns the type's empty default for any known field
// that has no value yet, never nil.
package review

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/voxform/voxform/pkg/forms"
)

// Store is the review state of one capture session. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	fields map[string]forms.FieldDefinition
	order  []string
	values map[string]any
}

// NewStore creates an empty Store over the given field set. Every field starts
// at its type's empty default.
func NewStore(fields []forms.FieldDefinition) *Store {
	s := &Store{
		fields: make(map[string]forms.FieldDefinition, len(fields)),
		order:  make([]string, 0, len(fields)),
		values: make(map[string]any, len(fields)),
	}
	for _, f := range fields {
		s.fields[f.Key] = f
		s.order = append(s.order, f.Key)
		s.values[f.Key] = f.Type.EmptyValue()
	}
	return s
}

// Set overwrites one field's value, coercing it to the field type's canonical
// shape. Unknown keys and uncoercible values are rejected.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	field, ok := s.fields[key]
	if !ok {
		return fmt.Errorf("review: unknown field %q", key)
	}
	coerced, err := coerce(field, value)
	if err != nil {
		return fmt.Errorf("review: set %q: %w", key, err)
	}
	s.values[key] = coerced
	return nil
}

// Toggle adds (included=true) or removes (included=false) an option from a
// multi-choice field's ordered set. Adding an already-present option and
// removing an absent one are no-ops. The option is normalized to the field's
// canonical choice spelling; options outside the choice list are rejected.
func (s *Store) Toggle(key, option string, included bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	field, ok := s.fields[key]
	if !ok {
		return fmt.Errorf("review: unknown field %q", key)
	}
	if field.Type != forms.TypeMultiChoice {
		return fmt.Errorf("review: field %q is %s, not multi-choice", key, field.Type)
	}
	canonical, ok := NormalizeChoice(option, field.Choices)
	if !ok {
		return fmt.Errorf("review: %q is not an option of field %q", option, key)
	}

	current, _ := s.values[key].([]string)
	if included {
		for _, v := range current {
			if v == canonical {
				return nil
			}
		}
		s.values[key] = append(append([]string{}, current...), canonical)
		return nil
	}
	next := make([]string, 0, len(current))
	for _, v := range current {
		if v != canonical {
			next = append(next, v)
		}
	}
	s.values[key] = next
	return nil
}

// Get returns the field's current value, or false for an unknown key. Known
// keys always yield a value of the type's canonical shape.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Values returns a snapshot mapping with every field key present. The snapshot
// is detached from the Store.
func (s *Store) Values() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = cloneValue(v)
	}
	return out
}

// Populate loads an extraction result. Every field key ends up set: extracted
// values are coerced in place, and fields the result omits, nils, or reports
// in an uncoercible shape fall back to the type's empty default. Extraction is
// best-effort, so a bad value never fails the whole load.
func (s *Store) Populate(extracted map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.order {
		field := s.fields[key]
		raw, ok := extracted[key]
		if !ok || raw == nil {
			s.values[key] = field.Type.EmptyValue()
			continue
		}
		coerced, err := coerce(field, raw)
		if err != nil {
			s.values[key] = field.Type.EmptyValue()
			continue
		}
		s.values[key] = coerced
	}
}

// Reset clears every field back to its type's empty default.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, field := range s.fields {
		s.values[key] = field.Type.EmptyValue()
	}
}

// coerce normalizes value to the canonical runtime shape of the field's type.
func coerce(field forms.FieldDefinition, value any) (any, error) {
	// Slider-style controls emit single-element arrays for scalar values.
	// Collapse those here so the rule lives in exactly one place.
	if arr, ok := value.([]any); ok && len(arr) == 1 && !field.Type.NeedsChoices() {
		value = arr[0]
	}

	switch field.Type {
	case forms.TypeShortText, forms.TypeLongText, forms.TypeDate:
		return coerceString(value)

	case forms.TypeNumber:
		return coerceNumber(value)

	case forms.TypeBoolean:
		return coerceBool(value)

	case forms.TypeSingleChoice:
		str, err := coerceString(value)
		if err != nil {
			return nil, err
		}
		if canonical, ok := NormalizeChoice(str, field.Choices); ok {
			return canonical, nil
		}
		return nil, fmt.Errorf("%q is not one of the choices", str)

	case forms.TypeMultiChoice:
		return coerceMultiChoice(field, value)

	case forms.TypeRatedScale:
		n, err := coerceNumber(value)
		if err != nil {
			return nil, err
		}
		// Out-of-range ratings fall back to the scale minimum. Clamping to
		// the nearest bound would also be defensible; this is the documented
		// policy for now.
		if n < float64(field.ScaleMin) || n > float64(field.ScaleMax) {
			return float64(field.ScaleMin), nil
		}
		return n, nil
	}
	return nil, fmt.Errorf("unsupported field type %q", field.Type)
}

func coerceString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("cannot use %T as text", value)
}

func coerceNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot use %q as a number", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot use %T as a number", value)
}

func coerceBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(v)))
		if err != nil {
			return false, fmt.Errorf("cannot use %q as a boolean", v)
		}
		return b, nil
	}
	return false, fmt.Errorf("cannot use %T as a boolean", value)
}

// coerceMultiChoice builds the ordered, deduplicated option set. Options are
// normalized to the canonical choice spelling; entries that match no choice
// are dropped rather than stored, preserving the invariant that a multi-choice
// value only ever contains configured choices.
func coerceMultiChoice(field forms.FieldDefinition, value any) ([]string, error) {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []any:
		for _, e := range v {
			s, err := coerceString(e)
			if err != nil {
				return nil, err
			}
			raw = append(raw, s)
		}
	case string:
		raw = []string{v}
	default:
		return nil, fmt.Errorf("cannot use %T as a multi-choice set", value)
	}

	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, opt := range raw {
		canonical, ok := NormalizeChoice(opt, field.Choices)
		if !ok {
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	return out, nil
}

// cloneValue copies slice-shaped values so snapshots cannot alias the Store.
func cloneValue(v any) any {
	if s, ok := v.([]string); ok {
		return append([]string{}, s...)
	}
	return v
}
