// Package deepgram provides an stt.Provider backed by the Deepgram
// pre-recorded audio REST API. The finalized clip is posted as the raw
// request body with its MIME type as Content-Type, since Deepgram selects
// its decoder from that header.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithBaseURL overrides the Deepgram listen endpoint. Useful for tests and
// self-hosted deployments.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.endpoint = u }
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by the Deepgram pre-recorded API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// deepgramResponse is the subset of the pre-recorded API response we consume.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// deepgramError is the JSON body Deepgram returns on failure.
type deepgramError struct {
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	reqURL, err := p.buildURL()
	if err != nil {
		return "", &stt.TranscriptionError{Reason: "could not build transcription request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(clip.Bytes))
	if err != nil {
		return "", &stt.TranscriptionError{Reason: "could not build transcription request", Err: err}
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	if clip.MIME != "" {
		req.Header.Set("Content-Type", clip.MIME)
	}

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
		var de deepgramError
		if err := json.Unmarshal(data, &de); err == nil && de.ErrMsg != "" {
			return "", &stt.TranscriptionError{Reason: de.ErrMsg}
		}
		return "", &stt.TranscriptionError{Reason: fmt.Sprintf("transcription service returned HTTP %d", resp.StatusCode)}
	}

	var dr deepgramResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return "", &stt.TranscriptionError{Reason: "malformed transcription response", Err: err}
	}
	if len(dr.Results.Channels) == 0 || len(dr.Results.Channels[0].Alternatives) == 0 {
		return "", &stt.TranscriptionError{Reason: "transcription response contained no result"}
	}
	return dr.Results.Channels[0].Alternatives[0].Transcript, nil
}

// buildURL constructs the listen endpoint URL with recognition parameters.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
