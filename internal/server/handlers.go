package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/voxform/voxform/internal/pipeline"
	"github.com/voxform/voxform/pkg/capture"
	capturews "github.com/voxform/voxform/pkg/capture/ws"
	"github.com/voxform/voxform/pkg/forms"
)

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}

// sessionState is the client-facing snapshot of one capture session.
type sessionState struct {
	ID            string         `json:"id"`
	FormID        string         `json:"formId"`
	Phase         string         `json:"phase"`
	Transcript    string         `json:"transcript,omitempty"`
	Values        map[string]any `json:"values"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	Warning       string         `json:"warning,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	SubmissionID  string         `json:"submissionId,omitempty"`
}

func snapshotSession(sess *Session) sessionState {
	c := sess.Controller
	return sessionState{
		ID:            sess.ID,
		FormID:        sess.Form.ID,
		Phase:         c.Phase().String(),
		Transcript:    c.Transcript(),
		Values:        c.Values(),
		StatusMessage: c.StatusMessage(),
		Warning:       c.Warning(),
		LastError:     c.LastError(),
		SubmissionID:  c.SubmissionID(),
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// ─── Forms ───────────────────────────────────────────────────────────────────

type createFormRequest struct {
	Title  string                  `json:"title"`
	Fields []forms.FieldDefinition `json:"fields"`
}

func (s *Server) createForm(w http.ResponseWriter, r *http.Request) {
	var req createFormRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	form, err := s.store.CreateForm(r.Context(), req.Title, req.Fields)
	if err != nil {
		if errors.Is(err, forms.ErrInvalidForm) {
			s.renderError(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("create form failed", "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "the form could not be created")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, form)
}

func (s *Server) listForms(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListForms(r.Context())
	if err != nil {
		s.logger.Error("list forms failed", "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "forms could not be listed")
		return
	}
	if list == nil {
		list = []forms.Form{}
	}
	render.JSON(w, r, list)
}

func (s *Server) getForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "formID")
	form, err := s.store.GetForm(r.Context(), id)
	if err != nil {
		s.logger.Error("get form failed", "form_id", id, "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "the form could not be loaded")
		return
	}
	if form == nil {
		s.renderError(w, r, http.StatusNotFound, "no such form")
		return
	}
	render.JSON(w, r, form)
}

func (s *Server) getSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "submissionID")
	sub, err := s.store.GetSubmission(r.Context(), id)
	if err != nil {
		s.logger.Error("get submission failed", "submission_id", id, "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "the submission could not be loaded")
		return
	}
	if sub == nil {
		s.renderError(w, r, http.StatusNotFound, "no such submission")
		return
	}
	render.JSON(w, r, sub)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

type createSessionRequest struct {
	ActorID string `json:"actorId"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formID")
	form, err := s.store.GetForm(r.Context(), formID)
	if err != nil {
		s.logger.Error("get form failed", "form_id", formID, "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "the form could not be loaded")
		return
	}
	if form == nil {
		s.renderError(w, r, http.StatusNotFound, "no such form")
		return
	}

	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			s.renderError(w, r, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
	}

	sess, err := s.sessions.Create(*form, req.ActorID)
	if err != nil {
		s.logger.Error("create session failed", "form_id", formID, "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "the session could not be created")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, snapshotSession(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "no such session")
		return
	}
	render.JSON(w, r, snapshotSession(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Delete(chi.URLParam(r, "sessionID")) {
		s.renderError(w, r, http.StatusNotFound, "no such session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionEvent runs one pipeline event against a session and renders the
// resulting state. Device failures are not HTTP errors: the session stays in
// the prompting phase and carries a user-facing warning in its snapshot.
func (s *Server) sessionEvent(w http.ResponseWriter, r *http.Request, event func(*Session) error) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "no such session")
		return
	}

	err := event(sess)
	switch {
	case err == nil,
		errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, capture.ErrDeviceUnavailable):
		render.JSON(w, r, snapshotSession(sess))
	case errors.Is(err, pipeline.ErrClosed):
		s.renderError(w, r, http.StatusGone, "the session is closed")
	case errors.Is(err, pipeline.ErrWrongPhase), errors.Is(err, pipeline.ErrNotReviewing):
		s.renderError(w, r, http.StatusConflict, err.Error())
	default:
		s.logger.Error("session event failed", "session_id", sess.ID, "error", err)
		s.renderError(w, r, http.StatusInternalServerError, "the request could not be processed")
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.sessionEvent(w, r, func(sess *Session) error {
		return sess.Controller.Start(r.Context())
	})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	s.sessionEvent(w, r, func(sess *Session) error {
		// Processing continues after this request completes.
		return sess.Controller.Stop(context.WithoutCancel(r.Context()))
	})
}

func (s *Server) recordAgain(w http.ResponseWriter, r *http.Request) {
	s.sessionEvent(w, r, func(sess *Session) error {
		return sess.Controller.RecordAgain(r.Context())
	})
}

func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	s.sessionEvent(w, r, func(sess *Session) error {
		return sess.Controller.Retry(r.Context())
	})
}

func (s *Server) saveSession(w http.ResponseWriter, r *http.Request) {
	s.sessionEvent(w, r, func(sess *Session) error {
		return sess.Controller.Save(context.WithoutCancel(r.Context()))
	})
}

// ─── Field edits ─────────────────────────────────────────────────────────────

type editFieldRequest struct {
	Value any `json:"value"`
}

func (s *Server) editField(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "no such session")
		return
	}

	var req editFieldRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	err := sess.Controller.Edit(chi.URLParam(r, "fieldKey"), req.Value)
	switch {
	case err == nil:
		render.JSON(w, r, snapshotSession(sess))
	case errors.Is(err, pipeline.ErrClosed):
		s.renderError(w, r, http.StatusGone, "the session is closed")
	case errors.Is(err, pipeline.ErrNotReviewing):
		s.renderError(w, r, http.StatusConflict, err.Error())
	default:
		s.renderError(w, r, http.StatusUnprocessableEntity, err.Error())
	}
}

type toggleFieldRequest struct {
	Option   string `json:"option"`
	Included bool   `json:"included"`
}

func (s *Server) toggleField(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "no such session")
		return
	}

	var req toggleFieldRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	err := sess.Controller.ToggleChoice(chi.URLParam(r, "fieldKey"), req.Option, req.Included)
	switch {
	case err == nil:
		render.JSON(w, r, snapshotSession(sess))
	case errors.Is(err, pipeline.ErrClosed):
		s.renderError(w, r, http.StatusGone, "the session is closed")
	case errors.Is(err, pipeline.ErrNotReviewing):
		s.renderError(w, r, http.StatusConflict, err.Error())
	default:
		s.renderError(w, r, http.StatusUnprocessableEntity, err.Error())
	}
}

// ─── Audio ingest ────────────────────────────────────────────────────────────

// audioSocket upgrades to a WebSocket and streams browser audio into the
// session's recorder. Accepting it starts the recording, or attaches to one
// already begun by a retry; the client's stop verb finalizes it and kicks off
// processing, and any other teardown cancels the attempt.
func (s *Server) audioSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "no such session")
		return
	}
	ctrl := sess.Controller

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sess.ID, "error", err)
		return
	}

	if err := ctrl.EnsureRecording(r.Context()); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "recording is not allowed in the current phase")
		return
	}

	err = capturews.Pump(r.Context(), conn, ctrl.Recorder())
	if err == nil {
		if err := ctrl.Stop(context.WithoutCancel(r.Context())); err != nil {
			s.logger.Error("stop after ingest failed", "session_id", sess.ID, "error", err)
		}
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	if cancelErr := ctrl.CancelRecording(err); cancelErr != nil && !errors.Is(cancelErr, pipeline.ErrClosed) {
		s.logger.Warn("cancel recording failed", "session_id", sess.ID, "error", cancelErr)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
