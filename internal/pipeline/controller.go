// Package pipeline implements the capture state machine that drives one
// voice-form session from the initial prompt through recording, transcription,
// field extraction, review, and submission.
//
// A [Controller] owns exactly one attempt at a time. Stopping a recording
// starts the processing work on a background goroutine; a generation counter
// makes sure results that arrive after the user has re-recorded or torn the
// session down are discarded instead of mutating a superseded attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxform/voxform/internal/review"
	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
	"github.com/voxform/voxform/pkg/provider/stt"
)

// ErrNotReviewing is returned by edit and save operations invoked outside the
// reviewing phase. It never causes a remote call.
var ErrNotReviewing = errors.New("pipeline: session is not in the reviewing state")

// ErrWrongPhase is returned when an event is not legal in the current phase.
var ErrWrongPhase = errors.New("pipeline: event not allowed in current phase")

// ErrClosed is returned by every event method after Close.
var ErrClosed = errors.New("pipeline: session is closed")

// ValidationError reports a capture attempt rejected before any remote call:
// an empty transcript, or a form with no fields to fill. It never leaves the
// controller; the Reason becomes the session's last error.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "pipeline: validation: " + e.Reason
}

// Saver persists a finalized submission and returns its generated id.
type Saver interface {
	SaveSubmission(ctx context.Context, templateID string, formData map[string]any, actorID string) (string, error)
}

// StageObserver is invoked once per completed pipeline stage ("transcribe",
// "extract", "save") with the stage duration and its outcome.
type StageObserver func(stage string, elapsed time.Duration, err error)

// statusMessages rotate while a session is processing. Purely cosmetic.
var statusMessages = []string{
	"Transcribing your audio…",
	"Extracting form fields…",
	"Almost there…",
}

// defaultStatusInterval is how often the processing status message rotates.
const defaultStatusInterval = 2 * time.Second

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithActorID attaches the authenticated user's id to the submission.
// Anonymous captures leave it empty.
func WithActorID(actorID string) Option {
	return func(c *Controller) {
		c.actorID = actorID
	}
}

// WithStatusInterval overrides the status-message rotation interval.
// Default: 2s.
func WithStatusInterval(interval time.Duration) Option {
	return func(c *Controller) {
		c.statusInterval = interval
	}
}

// WithStageObserver registers a callback receiving per-stage timings.
func WithStageObserver(obs StageObserver) Option {
	return func(c *Controller) {
		c.observer = obs
	}
}

// Controller is the state machine for one capture session. All exported
// methods are safe for concurrent use.
type Controller struct {
	form      forms.Form
	recorder  *capture.Recorder
	stt       stt.Provider
	extractor extract.Provider
	saver     Saver

	logger         *slog.Logger
	actorID        string
	statusInterval time.Duration
	observer       StageObserver

	mu           sync.Mutex
	phase        Phase
	generation   uint64
	transcript   string
	review       *review.Store
	lastError    string
	warning      string
	status       string
	submissionID string
	stopStatus   func()
	closed       bool
}

// New creates a Controller in the prompting phase. The form's field set must
// validate; an invalid field set renders the whole capture screen unusable,
// so it is rejected up front.
func New(form forms.Form, recorder *capture.Recorder, transcriber stt.Provider, extractor extract.Provider, saver Saver, opts ...Option) (*Controller, error) {
	if err := forms.ValidateFields(form.Fields); err != nil {
		return nil, fmt.Errorf("pipeline: invalid field set: %w", err)
	}
	if recorder == nil || transcriber == nil || extractor == nil || saver == nil {
		return nil, errors.New("pipeline: recorder, transcriber, extractor and saver are all required")
	}

	c := &Controller{
		form:           form,
		recorder:       recorder,
		stt:            transcriber,
		extractor:      extractor,
		saver:          saver,
		logger:         slog.Default(),
		statusInterval: defaultStatusInterval,
		phase:          PhasePrompting,
		review:         review.NewStore(form.Fields),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ─── Events ──────────────────────────────────────────────────────────────────

// Start begins recording. Legal from the prompting phase only. A permission or
// device failure keeps the session in prompting with a persistent warning so
// the user can fix their browser settings and try again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhasePrompting {
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrWrongPhase, c.phase)
	}
	gen := c.generation
	c.mu.Unlock()

	return c.beginRecording(ctx, gen)
}

// EnsureRecording puts the session into the recording phase so a transport
// can begin streaming audio. From prompting it starts a fresh recording; when
// RecordAgain or Retry has already begun one, attaching is a no-op.
func (c *Controller) EnsureRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase == PhaseRecording {
		c.mu.Unlock()
		return nil
	}
	if c.phase != PhasePrompting {
		c.mu.Unlock()
		return fmt.Errorf("%w: ensure recording from %s", ErrWrongPhase, c.phase)
	}
	gen := c.generation
	c.mu.Unlock()

	return c.beginRecording(ctx, gen)
}

// Stop finalizes the recording and starts processing. Legal from the
// recording phase only. Transcription and extraction run on a background
// goroutine; the caller observes progress via Phase and StatusMessage.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseRecording {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrWrongPhase, c.phase)
	}

	clip, err := c.recorder.End()
	if err != nil {
		c.phase = PhaseError
		c.lastError = "The recording could not be finalized. Please try again."
		c.mu.Unlock()
		return nil
	}

	gen := c.generation
	c.phase = PhaseProcessing
	c.startStatusLocked()
	c.mu.Unlock()

	go c.process(ctx, gen, clip)
	return nil
}

// CancelRecording abandons an in-flight recording and returns the session to
// the prompting phase. cause classifies why the recording ended: microphone
// permission or device failures reported by the client become a user-facing
// warning, anything else (the client navigating away, the socket dropping)
// resets silently. Legal from the recording phase only.
func (c *Controller) CancelRecording(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseRecording {
		c.mu.Unlock()
		return fmt.Errorf("%w: cancel recording from %s", ErrWrongPhase, c.phase)
	}

	switch {
	case errors.Is(cause, capture.ErrPermissionDenied):
		c.warning = "Microphone access was denied. Allow it in your browser settings and try again."
		c.logger.Warn("capture permission denied", "form_id", c.form.ID)
	case errors.Is(cause, capture.ErrDeviceUnavailable):
		c.warning = "No usable microphone was found. Connect one and try again."
		c.logger.Warn("capture device unavailable", "form_id", c.form.ID)
	default:
		c.warning = ""
	}
	c.phase = PhasePrompting
	c.mu.Unlock()

	c.recorder.Release()
	return nil
}

// Edit overwrites one field's value. Legal in the reviewing phase only.
func (c *Controller) Edit(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.phase != PhaseReviewing {
		return ErrNotReviewing
	}
	return c.review.Set(key, value)
}

// ToggleChoice adds or removes a multi-choice option. Legal in the reviewing
// phase only.
func (c *Controller) ToggleChoice(key, option string, included bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.phase != PhaseReviewing {
		return ErrNotReviewing
	}
	return c.review.Toggle(key, option, included)
}

// RecordAgain discards the current transcript and review values and starts a
// fresh recording attempt. Legal from the reviewing and error phases.
func (c *Controller) RecordAgain(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseReviewing && c.phase != PhaseError {
		c.mu.Unlock()
		return fmt.Errorf("%w: record again from %s", ErrWrongPhase, c.phase)
	}

	// Supersede any processing work still in flight for the old attempt.
	c.generation++
	gen := c.generation
	c.stopStatusLocked()
	c.transcript = ""
	c.lastError = ""
	c.submissionID = ""
	c.review.Reset()
	c.phase = PhasePrompting
	c.mu.Unlock()

	c.recorder.Release()
	return c.beginRecording(ctx, gen)
}

// Retry restarts the pipeline after a failure. Always allowed from the error
// phase.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed && c.phase != PhaseError {
		c.mu.Unlock()
		return fmt.Errorf("%w: retry from %s", ErrWrongPhase, c.phase)
	}
	c.mu.Unlock()
	return c.RecordAgain(ctx)
}

// Save persists the reviewed values. Legal in the reviewing phase only; a save
// attempted in any other phase is rejected locally, without a network call.
// On success the session moves to the done phase and SubmissionID is set.
func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseReviewing {
		c.mu.Unlock()
		return ErrNotReviewing
	}
	gen := c.generation
	c.phase = PhaseSubmitting
	values := c.review.Values()
	c.mu.Unlock()

	start := time.Now()
	id, err := c.saver.SaveSubmission(ctx, c.form.ID, values, c.actorID)
	c.observe("save", start, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return nil
	}
	if err != nil {
		c.logger.Error("submission save failed", "form_id", c.form.ID, "error", err)
		c.phase = PhaseError
		// Storage internals are deliberately kept out of the user-facing
		// message.
		c.lastError = "Your submission could not be saved. Please try again."
		return nil
	}

	c.phase = PhaseDone
	c.submissionID = id
	c.logger.Info("submission saved", "form_id", c.form.ID, "submission_id", id)
	return nil
}

// Close tears the session down: any in-flight processing result is discarded,
// the status ticker stops, and the capture device is released. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	c.stopStatusLocked()
	c.mu.Unlock()

	c.recorder.Release()
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Phase returns the session's current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Transcript returns the transcription text, or "" when none is available.
// It stays populated after an extraction failure so the raw text is not
// silently lost.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// LastError returns the most recent user-facing failure message.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Warning returns the persistent prompting-phase warning (permission or
// device trouble), or "".
func (c *Controller) Warning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warning
}

// StatusMessage returns the current rotating status line. Empty outside the
// processing phase.
func (c *Controller) StatusMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SubmissionID returns the persisted submission's id once the session is done.
func (c *Controller) SubmissionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissionID
}

// Values returns a snapshot of the current review values.
func (c *Controller) Values() map[string]any {
	return c.review.Values()
}

// Form returns the form template this session captures against.
func (c *Controller) Form() forms.Form {
	return c.form
}

// Recorder exposes the capture recorder so a transport (e.g. the websocket
// ingest) can feed audio chunks directly.
func (c *Controller) Recorder() *capture.Recorder {
	return c.recorder
}

// ─── Internals ───────────────────────────────────────────────────────────────

// beginRecording acquires the capture device and enters the recording phase.
// Device failures are terminal sub-states of prompting, not pipeline errors.
func (c *Controller) beginRecording(ctx context.Context, gen uint64) error {
	err := c.recorder.Begin(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		if err == nil {
			c.recorder.Release()
		}
		return ErrClosed
	}

	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		c.warning = "Microphone access was denied. Allow it in your browser settings and try again."
		c.logger.Warn("capture permission denied", "form_id", c.form.ID)
		return err
	case errors.Is(err, capture.ErrDeviceUnavailable):
		c.warning = "No usable microphone was found. Connect one and try again."
		c.logger.Warn("capture device unavailable", "form_id", c.form.ID)
		return err
	case err != nil:
		c.warning = "Recording could not be started. Please try again."
		c.logger.Error("capture begin failed", "form_id", c.form.ID, "error", err)
		return err
	}

	c.warning = ""
	c.phase = PhaseRecording
	return nil
}

// process runs transcription and extraction for one attempt. Results are
// applied only while gen is still the current generation.
func (c *Controller) process(ctx context.Context, gen uint64, clip capture.Clip) {
	start := time.Now()
	text, err := c.stt.Transcribe(ctx, clip)
	c.observe("transcribe", start, err)
	if err != nil {
		c.logger.Error("transcription failed", "form_id", c.form.ID, "error", err)
		c.fail(gen, "", transcriptionMessage(err))
		return
	}

	// Extraction preconditions are checked here, before any network call.
	if strings.TrimSpace(text) == "" {
		verr := &ValidationError{Reason: "No speech was detected in the recording. Please try again."}
		c.logger.Warn("attempt rejected", "form_id", c.form.ID, "error", verr)
		c.fail(gen, "", verr.Reason)
		return
	}
	if len(c.form.Fields) == 0 {
		verr := &ValidationError{Reason: "This form has no fields to fill in."}
		c.logger.Warn("attempt rejected", "form_id", c.form.ID, "error", verr)
		c.fail(gen, text, verr.Reason)
		return
	}

	schema := forms.SchemaFor(c.form.Fields)
	start = time.Now()
	result, err := c.extractor.Extract(ctx, text, schema)
	c.observe("extract", start, err)
	if err != nil {
		c.logger.Error("extraction failed", "form_id", c.form.ID, "error", err)
		// The transcript survives the failure so the user can still read the
		// raw text.
		c.fail(gen, text, extractionMessage(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return
	}
	c.transcript = text
	c.review.Populate(result)
	c.stopStatusLocked()
	c.phase = PhaseReviewing
	c.logger.Info("capture processed", "form_id", c.form.ID, "transcript_len", len(text))
}

// fail applies a processing failure for the given generation: the phase moves
// to error, the transcript is set (or cleared) and the status ticker stops.
func (c *Controller) fail(gen uint64, transcript, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return
	}
	c.transcript = transcript
	c.lastError = message
	c.stopStatusLocked()
	c.phase = PhaseError
}

// observe reports a completed stage to the registered observer, if any.
func (c *Controller) observe(stage string, start time.Time, err error) {
	if c.observer != nil {
		c.observer(stage, time.Since(start), err)
	}
}

// transcriptionMessage renders the user-facing message for a transcription
// failure. The provider's reason, when it carries one, becomes the session's
// last error verbatim.
func transcriptionMessage(err error) string {
	if te, ok := stt.AsTranscriptionError(err); ok && te.Reason != "" {
		return te.Reason
	}
	return "Transcription failed. Please try again."
}

// extractionMessage renders the user-facing message for an extraction failure.
func extractionMessage(err error) string {
	if ee, ok := extract.AsExtractionError(err); ok && ee.Reason != "" {
		return ee.Reason
	}
	return "Field extraction failed. Please try again."
}
