package pipeline_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxform/voxform/internal/pipeline"
	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/forms"
	"github.com/voxform/voxform/pkg/provider/extract"
	extractmock "github.com/voxform/voxform/pkg/provider/extract/mock"
	"github.com/voxform/voxform/pkg/provider/stt"
	sttmock "github.com/voxform/voxform/pkg/provider/stt/mock"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type testDevice struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
}

func (d *testDevice) Acquire(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquireErr != nil {
		return d.acquireErr
	}
	d.acquired++
	return nil
}

func (d *testDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
}

func (d *testDevice) counts() (acquired, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired, d.released
}

type saveCall struct {
	templateID string
	formData   map[string]any
	actorID    string
}

type fakeSaver struct {
	mu    sync.Mutex
	id    string
	err   error
	calls []saveCall
}

func (s *fakeSaver) SaveSubmission(_ context.Context, templateID string, formData map[string]any, actorID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, saveCall{templateID: templateID, formData: formData, actorID: actorID})
	if s.err != nil {
		return "", s.err
	}
	return s.id, nil
}

func (s *fakeSaver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// slowTranscriber blocks Transcribe until release is closed.
type slowTranscriber struct {
	release chan struct{}
	text    string
}

func (s *slowTranscriber) Transcribe(ctx context.Context, _ capture.Clip) (string, error) {
	select {
	case <-s.release:
		return s.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

var _ stt.Provider = (*slowTranscriber)(nil)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testForm() forms.Form {
	return forms.Form{
		ID:    "form-1",
		Title: "Visitor intake",
		Fields: []forms.FieldDefinition{
			{Key: "name", Label: "Name", Type: forms.TypeShortText},
			{Key: "agree", Label: "Agree", Type: forms.TypeBoolean},
		},
	}
}

func newController(t *testing.T, transcriber stt.Provider, extractor extract.Provider, saver pipeline.Saver, opts ...pipeline.Option) *pipeline.Controller {
	t.Helper()
	c, err := pipeline.New(testForm(), capture.NewRecorder(), transcriber, extractor, saver, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func waitPhase(t *testing.T, c *pipeline.Controller, want pipeline.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", c.Phase(), want)
}

func startAndStop(t *testing.T, c *pipeline.Controller) {
	t.Helper()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Recorder().Append([]byte("audio")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestHappyPathToReviewing(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Text: "My name is Alex, and I agree"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "Alex", "agree": true}}
	c := newController(t, transcriber, extractor, &fakeSaver{id: "sub-1"})

	if c.Phase() != pipeline.PhasePrompting {
		t.Fatalf("initial phase = %s, want prompting", c.Phase())
	}
	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)

	if got := c.Transcript(); got != "My name is Alex, and I agree" {
		t.Errorf("Transcript() = %q", got)
	}
	want := map[string]any{"name": "Alex", "agree": true}
	if got := c.Values(); !reflect.DeepEqual(got, want) {
		t.Errorf("Values() = %#v, want %#v", got, want)
	}
	if got := c.StatusMessage(); got != "" {
		t.Errorf("StatusMessage() = %q after processing, want empty", got)
	}
	if calls := extractor.Calls(); len(calls) != 1 || calls[0].Transcript != transcriber.Text {
		t.Errorf("extractor calls = %+v", calls)
	}
}

func TestMissingExtractionKeysDefaultToEmpty(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Text: "My name is Alex"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "Alex"}}
	c := newController(t, transcriber, extractor, &fakeSaver{id: "sub-1"})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)

	want := map[string]any{"name": "Alex", "agree": false}
	if got := c.Values(); !reflect.DeepEqual(got, want) {
		t.Errorf("Values() = %#v, want %#v", got, want)
	}
}

func TestTranscriptionFailure(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Err: &stt.TranscriptionError{Reason: "audio format not supported"}}
	extractor := &extractmock.Provider{}
	c := newController(t, transcriber, extractor, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseError)

	if got := c.Transcript(); got != "" {
		t.Errorf("Transcript() = %q after transcription failure, want empty", got)
	}
	if got := c.LastError(); !strings.Contains(got, "audio format not supported") {
		t.Errorf("LastError() = %q, want the provider reason surfaced", got)
	}
	if extractor.CallCount() != 0 {
		t.Error("extraction was called after a transcription failure")
	}
}

func TestExtractionFailureKeepsTranscript(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Text: "My name is Alex"}
	extractor := &extractmock.Provider{Err: &extract.ExtractionError{Reason: "model returned a malformed result"}}
	c := newController(t, transcriber, extractor, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseError)

	if got := c.Transcript(); got != "My name is Alex" {
		t.Errorf("Transcript() = %q, want it preserved after extraction failure", got)
	}
	if got := c.LastError(); got != "model returned a malformed result" {
		t.Errorf("LastError() = %q, want the provider reason verbatim", got)
	}
}

func TestEmptyTranscriptSkipsExtraction(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Text: "   "}
	extractor := &extractmock.Provider{}
	c := newController(t, transcriber, extractor, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseError)

	if extractor.CallCount() != 0 {
		t.Error("extraction was called with an empty transcript")
	}
	if got := c.LastError(); got == "" {
		t.Error("LastError() is empty")
	}
}

func TestEditGatedOnReviewing(t *testing.T) {
	t.Parallel()

	c := newController(t, &sttmock.Provider{Text: "hi"}, &extractmock.Provider{}, &fakeSaver{})

	if err := c.Edit("name", "Alex"); !errors.Is(err, pipeline.ErrNotReviewing) {
		t.Errorf("Edit() in prompting = %v, want ErrNotReviewing", err)
	}
	if err := c.ToggleChoice("name", "x", true); !errors.Is(err, pipeline.ErrNotReviewing) {
		t.Errorf("ToggleChoice() in prompting = %v, want ErrNotReviewing", err)
	}
}

func TestSaveOutsideReviewingIsLocal(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{id: "sub-1"}
	c := newController(t, &sttmock.Provider{Text: "hi"}, &extractmock.Provider{}, saver)

	if err := c.Save(context.Background()); !errors.Is(err, pipeline.ErrNotReviewing) {
		t.Fatalf("Save() in prompting = %v, want ErrNotReviewing", err)
	}
	if saver.callCount() != 0 {
		t.Error("Save() outside reviewing reached the persistence adapter")
	}
}

func TestSaveSuccess(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{id: "sub-42"}
	transcriber := &sttmock.Provider{Text: "My name is Alex, and I agree"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "Alex", "agree": true}}
	c := newController(t, transcriber, extractor, saver, pipeline.WithActorID("user-7"))

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)

	if err := c.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if c.Phase() != pipeline.PhaseDone {
		t.Errorf("phase = %s, want done", c.Phase())
	}
	if got := c.SubmissionID(); got != "sub-42" {
		t.Errorf("SubmissionID() = %q, want sub-42", got)
	}

	if len(saver.calls) != 1 {
		t.Fatalf("saver calls = %d, want 1", len(saver.calls))
	}
	call := saver.calls[0]
	if call.templateID != "form-1" || call.actorID != "user-7" {
		t.Errorf("save call = %+v", call)
	}
	want := map[string]any{"name": "Alex", "agree": true}
	if !reflect.DeepEqual(call.formData, want) {
		t.Errorf("saved form data = %#v, want %#v", call.formData, want)
	}
}

func TestSaveFailureGeneralizesMessage(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{err: errors.New(`pq: relation "form_submissions" does not exist`)}
	transcriber := &sttmock.Provider{Text: "hello there"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "Alex"}}
	c := newController(t, transcriber, extractor, saver)

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)

	if err := c.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if c.Phase() != pipeline.PhaseError {
		t.Errorf("phase = %s, want error", c.Phase())
	}
	if got := c.LastError(); strings.Contains(got, "form_submissions") {
		t.Errorf("LastError() = %q leaks storage internals", got)
	}
}

func TestRecordAgainDiscardsState(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Text: "My name is Alex"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "Alex"}}
	c := newController(t, transcriber, extractor, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)

	if err := c.RecordAgain(context.Background()); err != nil {
		t.Fatalf("RecordAgain() error = %v", err)
	}
	if c.Phase() != pipeline.PhaseRecording {
		t.Errorf("phase = %s, want recording", c.Phase())
	}
	if got := c.Transcript(); got != "" {
		t.Errorf("Transcript() = %q after record again, want empty", got)
	}
	want := map[string]any{"name": "", "agree": false}
	if got := c.Values(); !reflect.DeepEqual(got, want) {
		t.Errorf("Values() = %#v, want empty defaults %#v", got, want)
	}
}

func TestRetryFromError(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Err: &stt.TranscriptionError{Reason: "service unavailable"}}
	c := newController(t, transcriber, &extractmock.Provider{}, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseError)

	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if c.Phase() != pipeline.PhaseRecording {
		t.Errorf("phase = %s, want recording", c.Phase())
	}
	if got := c.LastError(); got != "" {
		t.Errorf("LastError() = %q after retry, want empty", got)
	}
}

func TestRetryOutsideError(t *testing.T) {
	t.Parallel()

	c := newController(t, &sttmock.Provider{Text: "hi"}, &extractmock.Provider{}, &fakeSaver{})
	if err := c.Retry(context.Background()); err == nil {
		t.Error("Retry() in prompting succeeded, want error")
	}
}

func TestEnsureRecordingAttachesAfterRetry(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Err: &stt.TranscriptionError{Reason: "service unavailable"}}
	c := newController(t, transcriber, &extractmock.Provider{}, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseError)

	// Retry already begins the next recording; a transport attaching
	// afterwards must not be rejected.
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := c.EnsureRecording(context.Background()); err != nil {
		t.Fatalf("EnsureRecording() while recording = %v, want nil", err)
	}
	if c.Phase() != pipeline.PhaseRecording {
		t.Errorf("phase = %s, want recording", c.Phase())
	}
}

func TestEnsureRecordingFromPrompting(t *testing.T) {
	t.Parallel()

	c := newController(t, &sttmock.Provider{Text: "hi"}, &extractmock.Provider{}, &fakeSaver{})
	if err := c.EnsureRecording(context.Background()); err != nil {
		t.Fatalf("EnsureRecording() error = %v", err)
	}
	if c.Phase() != pipeline.PhaseRecording {
		t.Errorf("phase = %s, want recording", c.Phase())
	}
}

func TestEnsureRecordingRejectsOtherPhases(t *testing.T) {
	t.Parallel()

	transcriber := &sttmock.Provider{Text: "My name is Alex"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "Alex"}}
	c := newController(t, transcriber, extractor, &fakeSaver{})

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)

	if err := c.EnsureRecording(context.Background()); !errors.Is(err, pipeline.ErrWrongPhase) {
		t.Errorf("EnsureRecording() in reviewing = %v, want ErrWrongPhase", err)
	}
}

func TestPermissionDeniedStaysPrompting(t *testing.T) {
	t.Parallel()

	device := &testDevice{acquireErr: capture.ErrPermissionDenied}
	rec := capture.NewRecorder(capture.WithDevice(device))
	c, err := pipeline.New(testForm(), rec, &sttmock.Provider{}, &extractmock.Provider{}, &fakeSaver{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start() = %v, want ErrPermissionDenied", err)
	}
	if c.Phase() != pipeline.PhasePrompting {
		t.Errorf("phase = %s, want prompting after denial", c.Phase())
	}
	if c.Warning() == "" {
		t.Error("Warning() is empty after permission denial")
	}

	// The user can still retry from the same session.
	device.mu.Lock()
	device.acquireErr = nil
	device.mu.Unlock()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() after fixing permissions = %v", err)
	}
	if c.Phase() != pipeline.PhaseRecording {
		t.Errorf("phase = %s, want recording", c.Phase())
	}
	if c.Warning() != "" {
		t.Error("Warning() not cleared after a successful start")
	}
}

func TestStatusRotatesDuringProcessing(t *testing.T) {
	t.Parallel()

	transcriber := &slowTranscriber{release: make(chan struct{}), text: "hello"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "x"}}
	c := newController(t, transcriber, extractor, &fakeSaver{},
		pipeline.WithStatusInterval(10*time.Millisecond))

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseProcessing)

	first := c.StatusMessage()
	if first == "" {
		t.Fatal("StatusMessage() empty during processing")
	}

	deadline := time.Now().Add(time.Second)
	rotated := false
	for time.Now().Before(deadline) {
		if msg := c.StatusMessage(); msg != "" && msg != first {
			rotated = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !rotated {
		t.Error("status message never rotated while processing")
	}

	close(transcriber.release)
	waitPhase(t, c, pipeline.PhaseReviewing)
	if got := c.StatusMessage(); got != "" {
		t.Errorf("StatusMessage() = %q after leaving processing, want empty", got)
	}
}

func TestCloseDiscardsLateResult(t *testing.T) {
	t.Parallel()

	device := &testDevice{}
	rec := capture.NewRecorder(capture.WithDevice(device))
	transcriber := &slowTranscriber{release: make(chan struct{}), text: "late text"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "late"}}
	c, err := pipeline.New(testForm(), rec, transcriber, extractor, &fakeSaver{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseProcessing)

	c.Close()
	close(transcriber.release)
	time.Sleep(50 * time.Millisecond)

	if got := c.Transcript(); got != "" {
		t.Errorf("Transcript() = %q, late result mutated a closed session", got)
	}
	if got := c.StatusMessage(); got != "" {
		t.Errorf("StatusMessage() = %q after close, want empty", got)
	}

	acquired, released := device.counts()
	if acquired != 1 || released != 1 {
		t.Errorf("device acquired/released = %d/%d, want 1/1", acquired, released)
	}

	// Close is idempotent; no double release.
	c.Close()
	if _, released := device.counts(); released != 1 {
		t.Errorf("released = %d after second Close, want 1", released)
	}
}

func TestStageObserver(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var stages []string
	obs := func(stage string, _ time.Duration, _ error) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	}

	transcriber := &sttmock.Provider{Text: "hello"}
	extractor := &extractmock.Provider{Result: map[string]any{"name": "x"}}
	saver := &fakeSaver{id: "sub-1"}
	c := newController(t, transcriber, extractor, saver, pipeline.WithStageObserver(obs))

	startAndStop(t, c)
	waitPhase(t, c, pipeline.PhaseReviewing)
	if err := c.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"transcribe", "extract", "save"}
	if !reflect.DeepEqual(stages, want) {
		t.Errorf("observed stages = %v, want %v", stages, want)
	}
}

func TestInvalidFieldSetRejected(t *testing.T) {
	t.Parallel()

	form := forms.Form{ID: "f", Fields: []forms.FieldDefinition{{Key: "", Label: "", Type: "bogus"}}}
	_, err := pipeline.New(form, capture.NewRecorder(), &sttmock.Provider{}, &extractmock.Provider{}, &fakeSaver{})
	if err == nil {
		t.Fatal("New() accepted an invalid field set")
	}
}

func TestCancelRecording(t *testing.T) {
	t.Parallel()

	c := newController(t, &sttmock.Provider{Text: "hello"}, &extractmock.Provider{}, &fakeSaver{})
	ctx := context.Background()

	if err := c.CancelRecording(nil); err == nil {
		t.Fatal("CancelRecording() outside recording should fail")
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.CancelRecording(capture.ErrPermissionDenied); err != nil {
		t.Fatalf("CancelRecording() error = %v", err)
	}
	if got := c.Phase(); got != pipeline.PhasePrompting {
		t.Errorf("Phase() = %s, want prompting", got)
	}
	if !strings.Contains(c.Warning(), "Microphone access was denied") {
		t.Errorf("Warning() = %q, want permission message", c.Warning())
	}

	// A silent cancel (client navigated away) clears the warning and the
	// session can record again.
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() after cancel error = %v", err)
	}
	if err := c.CancelRecording(errors.New("websocket closed")); err != nil {
		t.Fatalf("CancelRecording() error = %v", err)
	}
	if c.Warning() != "" {
		t.Errorf("Warning() = %q, want empty", c.Warning())
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() after silent cancel error = %v", err)
	}
	if got := c.Phase(); got != pipeline.PhaseRecording {
		t.Errorf("Phase() = %s, want recording", got)
	}
}
