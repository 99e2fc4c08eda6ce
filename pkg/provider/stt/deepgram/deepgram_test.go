package deepgram_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/provider/stt"
	"github.com/voxform/voxform/pkg/provider/stt/deepgram"
)

func successBody(transcript string) map[string]any {
	return map[string]any{
		"results": map[string]any{
			"channels": []any{
				map[string]any{
					"alternatives": []any{
						map[string]any{"transcript": transcript, "confidence": 0.97},
					},
				},
			},
		},
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := deepgram.New(""); err == nil {
		t.Fatal("New(\"\"): expected error")
	}
}

func TestTranscribe_Success(t *testing.T) {
	t.Parallel()

	var gotAuth, gotContentType, gotModel, gotLanguage string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		gotLanguage = r.URL.Query().Get("language")
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(successBody("I agree to the terms"))
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("dg-key",
		deepgram.WithBaseURL(srv.URL),
		deepgram.WithModel("nova-3"),
		deepgram.WithLanguage("en"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := p.Transcribe(context.Background(), capture.Clip{
		Bytes: []byte("opus-bytes"),
		MIME:  capture.MIMEWebM,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if text != "I agree to the terms" {
		t.Errorf("text = %q, want %q", text, "I agree to the terms")
	}
	if gotAuth != "Token dg-key" {
		t.Errorf("Authorization = %q, want Token dg-key", gotAuth)
	}
	if gotContentType != capture.MIMEWebM {
		t.Errorf("Content-Type = %q, want %q", gotContentType, capture.MIMEWebM)
	}
	if gotModel != "nova-3" || gotLanguage != "en" {
		t.Errorf("model/language = %q/%q, want nova-3/en", gotModel, gotLanguage)
	}
	if string(gotBody) != "opus-bytes" {
		t.Errorf("body = %q, want raw clip bytes", gotBody)
	}
}

func TestTranscribe_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"err_code": "Bad Request",
			"err_msg":  "unsupported audio format",
		})
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("key", deepgram.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Transcribe(context.Background(), capture.Clip{Bytes: []byte("x")})
	te, ok := stt.AsTranscriptionError(err)
	if !ok {
		t.Fatalf("Transcribe: error %v, want *stt.TranscriptionError", err)
	}
	if te.Reason != "unsupported audio format" {
		t.Errorf("Reason = %q, want the err_msg body", te.Reason)
	}
}

func TestTranscribe_EmptyResult(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": map[string]any{"channels": []any{}}})
	}))
	t.Cleanup(srv.Close)

	p, err := deepgram.New("key", deepgram.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Transcribe(context.Background(), capture.Clip{Bytes: []byte("x")})
	if _, ok := stt.AsTranscriptionError(err); !ok {
		t.Fatalf("Transcribe: error %v, want *stt.TranscriptionError", err)
	}
}
