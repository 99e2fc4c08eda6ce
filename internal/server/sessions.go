package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxform/voxform/internal/observe"
	"github.com/voxform/voxform/internal/pipeline"
	"github.com/voxform/voxform/pkg/forms"
)

// defaultSessionTTL is how long an idle session survives before the reaper
// releases its resources.
const defaultSessionTTL = 30 * time.Minute

// ControllerFactory builds the capture pipeline for one session. The server
// does not know which providers are configured; main wires them in here.
type ControllerFactory func(form forms.Form, actorID string) (*pipeline.Controller, error)

// Session is one live capture attempt bound to a form template.
type Session struct {
	ID         string
	Form       forms.Form
	Controller *pipeline.Controller
	CreatedAt  time.Time

	// lastSeen is guarded by the owning manager's mutex.
	lastSeen time.Time
}

// SessionManager owns the lifecycle of every live capture session: creation,
// idle expiry, and teardown. All exported methods are safe for concurrent use.
type SessionManager struct {
	factory ControllerFactory
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	done     chan struct{}
	stopOnce sync.Once
}

// SessionOption configures a [SessionManager].
type SessionOption func(*SessionManager)

// WithTTL sets the idle expiry. Zero or negative keeps the default of 30 minutes.
func WithTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSessionLogger sets the structured logger. Default: slog.Default().
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSessionMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithSessionMetrics(metrics *observe.Metrics) SessionOption {
	return func(m *SessionManager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// NewSessionManager creates a manager and starts its idle reaper.
// Call Close to stop the reaper and tear down all sessions.
func NewSessionManager(factory ControllerFactory, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		factory:  factory,
		ttl:      defaultSessionTTL,
		logger:   slog.Default(),
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.reap()
	return m
}

// Create builds a new session for form and returns it. The session starts in
// the prompting phase.
func (m *SessionManager) Create(form forms.Form, actorID string) (*Session, error) {
	ctrl, err := m.factory(form, actorID)
	if err != nil {
		return nil, fmt.Errorf("server: create session: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:         uuid.NewString(),
		Form:       form,
		Controller: ctrl,
		CreatedAt:  now,
		lastSeen:   now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(context.Background(), 1)
	m.logger.Info("session created", "session_id", sess.ID, "form_id", form.ID)
	return sess, nil
}

// Get returns the session with the given id and marks it as recently used.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if ok {
		sess.lastSeen = time.Now()
	}
	return sess, ok
}

// Delete tears down the session with the given id. Returns false when no such
// session exists.
func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	sess.Controller.Close()
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	m.logger.Info("session deleted", "session_id", id)
	return true
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the reaper and tears down every live session.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() {
		close(m.done)
	})

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Controller.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// reap periodically expires sessions that have been idle longer than the TTL.
func (m *SessionManager) reap() {
	interval := m.ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep tears down every session idle since before now minus the TTL.
func (m *SessionManager) sweep(now time.Time) {
	cutoff := now.Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.lastSeen.Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.Controller.Close()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
		m.logger.Info("session expired", "session_id", sess.ID, "idle", now.Sub(sess.lastSeen))
	}
}
