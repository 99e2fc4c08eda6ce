// Package whisper provides an stt.Provider backed by a whisper.cpp HTTP
// server (the whisper-server binary, which exposes POST /inference).
//
// The finalized clip is uploaded as multipart/form-data with its MIME type on
// the file part so the server picks the right decoder. whisper.cpp is a batch
// engine: one upload, one JSON response, no streaming.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := p.Transcribe(ctx, clip)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the HTTP client used for uploads. The default has a
// 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider that connects to the whisper.cpp server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider. It uploads the clip to POST /inference
// and returns the transcribed text. A single attempt is made; all failures
// are reported as a *stt.TranscriptionError.
func (p *Provider) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// File part carrying the audio bytes and the encoding hint.
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName(clip.MIME)))
	if clip.MIME != "" {
		hdr.Set("Content-Type", clip.MIME)
	}
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return "", &stt.TranscriptionError{Reason: "could not encode audio upload", Err: err}
	}
	if _, err := fw.Write(clip.Bytes); err != nil {
		return "", &stt.TranscriptionError{Reason: "could not encode audio upload", Err: err}
	}

	if p.language != "" {
		if err := mw.WriteField("language", p.language); err != nil {
			return "", &stt.TranscriptionError{Reason: "could not encode audio upload", Err: err}
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", &stt.TranscriptionError{Reason: "could not encode audio upload", Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return "", &stt.TranscriptionError{Reason: "could not encode audio upload", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", &stt.TranscriptionError{Reason: "could not build transcription request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &stt.TranscriptionError{Reason: "transcription service unreachable", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &stt.TranscriptionError{Reason: "could not read transcription response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &stt.TranscriptionError{Reason: errorReason(data, resp.StatusCode)}
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &stt.TranscriptionError{Reason: "malformed transcription response", Err: err}
	}
	return strings.TrimSpace(result.Text), nil
}

// fileName picks an upload filename whose extension matches the clip MIME.
// whisper.cpp sniffs the extension when the part's Content-Type is missing.
func fileName(mime string) string {
	switch mime {
	case capture.MIMEWav:
		return "audio.wav"
	case capture.MIMEOgg:
		return "audio.ogg"
	case capture.MIMEWebM:
		return "audio.webm"
	default:
		return "audio.bin"
	}
}

// errorReason extracts a human-readable reason from an error response body,
// falling back to the HTTP status.
func errorReason(body []byte, status int) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return fmt.Sprintf("transcription service returned HTTP %d", status)
}
