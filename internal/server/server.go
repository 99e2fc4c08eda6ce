// Package server exposes the Voxform capture pipeline over HTTP.
//
// Form templates are managed through a small JSON API, each capture attempt
// runs as a session owned by a [SessionManager], and browser audio reaches
// the pipeline through a WebSocket ingest endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxform/voxform/internal/health"
	"github.com/voxform/voxform/internal/observe"
	"github.com/voxform/voxform/pkg/forms"
)

// FormStore is the storage surface the HTTP layer depends on.
type FormStore interface {
	CreateForm(ctx context.Context, title string, fields []forms.FieldDefinition) (*forms.Form, error)
	GetForm(ctx context.Context, id string) (*forms.Form, error)
	ListForms(ctx context.Context) ([]forms.Form, error)
	GetSubmission(ctx context.Context, id string) (*forms.Submission, error)
}

// Server routes HTTP requests to the form store and the session manager.
type Server struct {
	store    FormStore
	sessions *SessionManager
	health   *health.Handler
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// Option is a functional option for [New].
type Option func(*Server)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(metrics *observe.Metrics) Option {
	return func(s *Server) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithHealth sets the health handler. Default: a handler with no readiness
// checks, so /readyz always passes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.health = h
		}
	}
}

// New creates a Server over the given store and session manager.
func New(store FormStore, sessions *SessionManager, opts ...Option) *Server {
	s := &Server{
		store:    store,
		sessions: sessions,
		health:   health.New(),
		metrics:  observe.DefaultMetrics(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/forms", func(r chi.Router) {
			r.Get("/", s.listForms)
			r.Post("/", s.createForm)
			r.Get("/{formID}", s.getForm)
			r.Post("/{formID}/sessions", s.createSession)
		})

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/start", s.startSession)
			r.Post("/stop", s.stopSession)
			r.Post("/record-again", s.recordAgain)
			r.Post("/retry", s.retrySession)
			r.Post("/save", s.saveSession)
			r.Put("/fields/{fieldKey}", s.editField)
			r.Post("/fields/{fieldKey}/toggle", s.toggleField)
		})

		r.Get("/submissions/{submissionID}", s.getSubmission)
	})

	r.Get("/ws/sessions/{sessionID}/audio", s.audioSocket)

	return r
}
