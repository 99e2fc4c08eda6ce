package forms

// FieldSchema is the wire shape of one field definition as sent to the
// field-extraction service. Optional members are included only when the field
// type requires them, keeping the prompt the extraction backend sees minimal.
type FieldSchema struct {
	Label     string   `json:"label"`
	Key       string   `json:"internal_key"`
	Type      FieldType `json:"field_type"`
	Options   []string `json:"options,omitempty"`
	RatingMin *int     `json:"rating_min,omitempty"`
	RatingMax *int     `json:"rating_max,omitempty"`
}

// SchemaFor converts a field-definition set into the extraction wire schema.
// Choices and scale bounds are attached only for the types that need them.
func SchemaFor(fields []FieldDefinition) []FieldSchema {
	schema := make([]FieldSchema, 0, len(fields))
	for _, f := range fields {
		entry := FieldSchema{
			Label: f.Label,
			Key:   f.Key,
			Type:  f.Type,
		}
		if f.Type.NeedsChoices() {
			entry.Options = append([]string(nil), f.Choices...)
		}
		if f.Type.NeedsScale() {
			lo, hi := f.ScaleMin, f.ScaleMax
			entry.RatingMin = &lo
			entry.RatingMax = &hi
		}
		schema = append(schema, entry)
	}
	return schema
}
