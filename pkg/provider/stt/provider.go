// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider wraps a remote transcription service and exposes one blocking
// call: a finalized audio clip in, plain text out. Providers make a single
// attempt per invocation — retry policy belongs to the caller — and have no
// side effects beyond the network call. Implementations must be safe for
// concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxform/voxform/pkg/capture"
)

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe submits clip for transcription and returns the recognised
	// text. The clip's MIME hint tells the backend which encoding was used;
	// decoding is format-sensitive, so providers must forward it.
	//
	// Failures are reported as a [*TranscriptionError]; its Reason is safe to
	// surface to the user verbatim.
	Transcribe(ctx context.Context, clip capture.Clip) (string, error)
}

// TranscriptionError reports a failed transcription attempt. Reason carries
// the human-readable message shown to the user; Err preserves the underlying
// cause for logs and errors.Is chains.
type TranscriptionError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription failed: %s: %v", e.Reason, e.Err)
	}
	return "transcription failed: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *TranscriptionError) Unwrap() error { return e.Err }

// AsTranscriptionError extracts a *TranscriptionError from err's chain.
func AsTranscriptionError(err error) (*TranscriptionError, bool) {
	var te *TranscriptionError
	ok := errors.As(err, &te)
	return te, ok
}
