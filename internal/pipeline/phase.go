package pipeline

// Phase represents the current discrete state of a capture session.
type Phase int

const (
	// PhasePrompting is the initial state: the user is being asked to start
	// recording. Device-permission failures keep the session here with a
	// persistent warning rather than moving to PhaseError.
	PhasePrompting Phase = iota

	// PhaseRecording means the capture device is acquired and audio chunks
	// are being accepted.
	PhaseRecording

	// PhaseProcessing covers the transcription and extraction calls. A
	// rotating status message cycles while (and only while) the session is
	// in this phase.
	PhaseProcessing

	// PhaseReviewing is the only phase in which field values are editable.
	PhaseReviewing

	// PhaseSubmitting means a save is in flight.
	PhaseSubmitting

	// PhaseDone is the success exit: the submission was persisted and its id
	// is available for the confirmation view.
	PhaseDone

	// PhaseError is terminal but retryable: the user can re-record to start
	// a fresh attempt.
	PhaseError
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePrompting:
		return "prompting"
	case PhaseRecording:
		return "recording"
	case PhaseProcessing:
		return "processing"
	case PhaseReviewing:
		return "reviewing"
	case PhaseSubmitting:
		return "submitting"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}
