// Package capture implements the server side of browser audio recording.
//
// The microphone itself lives in the browser; what the server owns is the
// exclusive ingest stream for one capture session. A [Recorder] accepts audio
// chunks in arrival order, finalizes them into a single opaque [Clip] on
// [Recorder.End], and releases the underlying input resource unconditionally —
// explicit stop, capture error, and session teardown all converge on the same
// release routine, so the resource is neither leaked nor double-released.
//
// At most one capture may be active per Recorder at a time.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Well-known MIME hints for finalized clips. Transcription backends are
// format-sensitive, so every clip carries the encoding it was captured in.
const (
	MIMEWav  = "audio/wav"
	MIMEWebM = "audio/webm"
	MIMEOgg  = "audio/ogg"

	// MIMEOpusPackets marks chunks that are raw Opus packets (one packet per
	// chunk) rather than a containerised stream. End decodes them to PCM and
	// finalizes the clip as WAV.
	MIMEOpusPackets = "audio/opus-packets"
)

// Capture error taxonomy. Both conditions are recoverable by user action; the
// pipeline stays in place so the user can retry.
var (
	// ErrPermissionDenied indicates the user refused audio input access.
	ErrPermissionDenied = errors.New("capture: audio input permission denied")

	// ErrDeviceUnavailable indicates no capture hardware or recording API
	// is available.
	ErrDeviceUnavailable = errors.New("capture: no audio input device available")

	// ErrNotRecording is returned by Append and End when no capture is active.
	ErrNotRecording = errors.New("capture: no active recording")

	// ErrAlreadyRecording is returned by Begin while a capture is active.
	ErrAlreadyRecording = errors.New("capture: a recording is already active")
)

// Clip is one finalized recording: opaque audio bytes plus the encoding hint
// the transcription service needs to decode them.
type Clip struct {
	Bytes []byte
	MIME  string
}

// Device grants exclusive access to an audio input resource. Implementations
// wrap whatever actually gates recording — for the websocket ingest path this
// is the browser-reported permission state. Acquire failures are reported as
// [ErrPermissionDenied] or [ErrDeviceUnavailable].
type Device interface {
	Acquire(ctx context.Context) error
	Release()
}

// nopDevice is the default Device: acquisition always succeeds.
type nopDevice struct{}

func (nopDevice) Acquire(context.Context) error { return nil }
func (nopDevice) Release()                      {}

// Option is a functional option for configuring a Recorder.
type Option func(*Recorder)

// WithMIME sets the encoding hint attached to finalized clips.
// Default is [MIMEWebM], the broadly-supported browser recording format.
func WithMIME(mime string) Option {
	return func(r *Recorder) { r.mime = mime }
}

// WithDevice sets the input device gating this recorder. Default is a device
// that always grants access.
func WithDevice(d Device) Option {
	return func(r *Recorder) { r.device = d }
}

// WithOpusFormat sets the sample rate and channel count used to decode
// [MIMEOpusPackets] chunks. Defaults are 48000 Hz mono (browser Opus).
func WithOpusFormat(sampleRate, channels int) Option {
	return func(r *Recorder) {
		r.opusSampleRate = sampleRate
		r.opusChannels = channels
	}
}

// Recorder accumulates audio chunks for one capture session.
// All methods are safe for concurrent use.
type Recorder struct {
	mime           string
	device         Device
	opusSampleRate int
	opusChannels   int

	mu       sync.Mutex
	active   bool
	acquired bool
	chunks   [][]byte
}

// NewRecorder creates a Recorder with the given options applied over defaults.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		mime:           MIMEWebM,
		device:         nopDevice{},
		opusSampleRate: 48000,
		opusChannels:   1,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin requests exclusive audio input access and starts a new capture.
// It fails with [ErrPermissionDenied] or [ErrDeviceUnavailable] when the
// device refuses access, and with [ErrAlreadyRecording] when a capture is
// already active. The acquisition may suspend on ctx while the user answers
// a permission prompt.
func (r *Recorder) Begin(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.mu.Unlock()

	// Acquire outside the lock: the permission prompt may suspend indefinitely.
	if err := r.device.Acquire(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.device.Release()
		return ErrAlreadyRecording
	}
	r.active = true
	r.acquired = true
	r.chunks = nil
	return nil
}

// Append queues one incoming audio chunk. Chunks arrive sequentially and are
// concatenated in arrival order on End. The chunk is copied; callers may
// reuse the buffer.
func (r *Recorder) Append(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotRecording
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	r.chunks = append(r.chunks, cp)
	return nil
}

// End finalizes the capture into one Clip and releases the input resource.
// The resource is released even when finalization fails. Chunk storage is
// cleared; the returned Clip is the only remaining owner of the audio bytes.
func (r *Recorder) End() (Clip, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return Clip{}, ErrNotRecording
	}
	chunks := r.chunks
	r.chunks = nil
	r.active = false
	r.mu.Unlock()

	defer r.Release()

	if r.mime == MIMEOpusPackets {
		clip, err := clipFromOpus(chunks, r.opusSampleRate, r.opusChannels)
		if err != nil {
			return Clip{}, fmt.Errorf("capture: finalize opus clip: %w", err)
		}
		return clip, nil
	}

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return Clip{Bytes: buf, MIME: r.mime}, nil
}

// Release stops the capture (if active), discards buffered chunks, and frees
// the input resource. It is the single convergence point for every exit path —
// explicit stop, capture error, and teardown — and is idempotent.
func (r *Recorder) Release() {
	r.mu.Lock()
	r.active = false
	r.chunks = nil
	release := r.acquired
	r.acquired = false
	r.mu.Unlock()

	if release {
		r.device.Release()
	}
}

// Active reports whether a capture is currently in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}
