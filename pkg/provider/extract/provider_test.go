package extract_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
)

func testSchema() []forms.FieldSchema {
	return forms.SchemaFor([]forms.FieldDefinition{
		{Key: "visitor_name", Label: "Name", Type: forms.TypeShortText},
		{Key: "party_size", Label: "Party size", Type: forms.TypeNumber},
		{Key: "newsletter", Label: "Newsletter", Type: forms.TypeBoolean},
	})
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	system, user, err := extract.BuildPrompt("my name is Alex", testSchema())
	if err != nil {
		t.Fatalf("BuildPrompt() error = %v", err)
	}
	if system == "" {
		t.Error("BuildPrompt() returned empty system message")
	}
	if !strings.Contains(user, `"internal_key":"visitor_name"`) {
		t.Errorf("user message missing schema JSON:\n%s", user)
	}
	if !strings.Contains(user, "my name is Alex") {
		t.Errorf("user message missing transcript:\n%s", user)
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "plain object",
			raw:  `{"visitor_name": "Alex", "party_size": 4, "newsletter": true}`,
			want: map[string]any{"visitor_name": "Alex", "party_size": float64(4), "newsletter": true},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"visitor_name\": \"Alex\"}\n```",
			want: map[string]any{"visitor_name": "Alex", "party_size": nil, "newsletter": nil},
		},
		{
			name: "bare fence",
			raw:  "```\n{\"newsletter\": false}\n```",
			want: map[string]any{"visitor_name": nil, "party_size": nil, "newsletter": false},
		},
		{
			name: "unknown keys dropped",
			raw:  `{"visitor_name": "Alex", "mystery": "x"}`,
			want: map[string]any{"visitor_name": "Alex", "party_size": nil, "newsletter": nil},
		},
		{
			name: "missing keys become nil",
			raw:  `{}`,
			want: map[string]any{"visitor_name": nil, "party_size": nil, "newsletter": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := extract.ParseResult(tt.raw, testSchema())
			if err != nil {
				t.Fatalf("ParseResult() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseResult() = %v, want %v", got, tt.want)
			}
			for k, want := range tt.want {
				v, ok := got[k]
				if !ok {
					t.Errorf("ParseResult() missing key %q", k)
					continue
				}
				if fmt.Sprint(v) != fmt.Sprint(want) {
					t.Errorf("ParseResult()[%q] = %v, want %v", k, v, want)
				}
			}
		})
	}
}

func TestParseResultMalformed(t *testing.T) {
	t.Parallel()

	_, err := extract.ParseResult("I could not find any fields, sorry!", testSchema())
	if err == nil {
		t.Fatal("ParseResult() expected error for non-JSON reply")
	}
	ee, ok := extract.AsExtractionError(err)
	if !ok {
		t.Fatalf("ParseResult() error = %T, want *ExtractionError", err)
	}
	if ee.Reason == "" {
		t.Error("ExtractionError.Reason is empty")
	}
}

func TestExtractionErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &extract.ExtractionError{Reason: "extraction service unreachable", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is() did not find the wrapped cause")
	}
	if got := err.Error(); !strings.Contains(got, "extraction service unreachable") {
		t.Errorf("Error() = %q, missing reason", got)
	}
}
