package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
	extractmock "github.com/voxform/voxform/pkg/provider/extract/mock"
	"github.com/voxform/voxform/pkg/provider/stt"
	sttmock "github.com/voxform/voxform/pkg/provider/stt/mock"
)

func chainConfig() ChainConfig {
	return ChainConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour}}
}

func TestChain_PrimarySuccess(t *testing.T) {
	c := NewChain("primary", "primary", chainConfig())
	c.AddFallback("secondary", "secondary")

	got, err := Try(c, func(v string) (string, error) { return v, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary" {
		t.Fatalf("result = %q, want primary", got)
	}
}

func TestChain_FallbackOnPrimaryFailure(t *testing.T) {
	c := NewChain("primary", "primary", chainConfig())
	c.AddFallback("secondary", "secondary")

	got, err := Try(c, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" {
		t.Fatalf("result = %q, want secondary", got)
	}
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain("primary", "primary", chainConfig())
	c.AddFallback("secondary", "secondary")

	_, err := Try(c, func(string) (string, error) { return "", errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatal("last provider error is not in the wrap chain")
	}
}

func TestChain_SkipsOpenBreaker(t *testing.T) {
	c := NewChain("primary", "primary", ChainConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	c.AddFallback("secondary", "secondary")

	// Trip the primary's breaker.
	_, _ = Try(c, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})

	primaryCalls := 0
	got, err := Try(c, func(v string) (string, error) {
		if v == "primary" {
			primaryCalls++
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" {
		t.Fatalf("result = %q, want secondary", got)
	}
	if primaryCalls != 0 {
		t.Fatalf("primary was called %d times through an open breaker", primaryCalls)
	}
}

func TestSTTChain_Failover(t *testing.T) {
	primary := &sttmock.Provider{Err: &stt.TranscriptionError{Reason: "service down"}}
	backup := &sttmock.Provider{Text: "hello from backup"}

	chain := NewSTTChain(primary, "whisper", chainConfig())
	chain.AddFallback("deepgram", backup)

	got, err := chain.Transcribe(context.Background(), capture.Clip{Bytes: []byte("audio"), MIME: capture.MIMEWav})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got != "hello from backup" {
		t.Fatalf("Transcribe() = %q", got)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("call counts = %d/%d, want 1/1", primary.CallCount(), backup.CallCount())
	}
}

func TestSTTChain_AllFailPreservesTaxonomy(t *testing.T) {
	primary := &sttmock.Provider{Err: &stt.TranscriptionError{Reason: "service down"}}
	backup := &sttmock.Provider{Err: &stt.TranscriptionError{Reason: "quota exceeded"}}

	chain := NewSTTChain(primary, "whisper", chainConfig())
	chain.AddFallback("deepgram", backup)

	_, err := chain.Transcribe(context.Background(), capture.Clip{Bytes: []byte("audio")})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
	te, ok := stt.AsTranscriptionError(err)
	if !ok {
		t.Fatalf("transcription error type lost in chain: %v", err)
	}
	if te.Reason != "quota exceeded" {
		t.Errorf("Reason = %q, want the last provider's reason", te.Reason)
	}
}

func TestExtractChain_Failover(t *testing.T) {
	primary := &extractmock.Provider{Err: &extract.ExtractionError{Reason: "rate limited"}}
	backup := &extractmock.Provider{Result: map[string]any{"name": "Alex"}}

	chain := NewExtractChain(primary, "openai", chainConfig())
	chain.AddFallback("ollama", backup)

	schema := []forms.FieldSchema{{Key: "name", Label: "Name", Type: forms.TypeShortText}}
	got, err := chain.Extract(context.Background(), "my name is Alex", schema)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got["name"] != "Alex" {
		t.Fatalf("Extract() = %v", got)
	}
	if primary.CallCount() != 1 || backup.CallCount() != 1 {
		t.Errorf("call counts = %d/%d, want 1/1", primary.CallCount(), backup.CallCount())
	}
}
