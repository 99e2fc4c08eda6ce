// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider in unit tests to feed controlled transcripts without a live
// transcription backend. All fields are safe to set before calling any
// method; mutating them during a concurrent call is the caller's
// responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Clip is the audio clip passed to Transcribe.
	Clip capture.Clip
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return "" and a nil error.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe on success.
	Text string

	// Err, if non-nil, is returned by Transcribe instead of Text.
	Err error

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured Text or Err.
func (p *Provider) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Clip: clip})
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// CallCount returns the number of recorded Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
