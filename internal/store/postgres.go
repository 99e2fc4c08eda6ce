// Package store persists form templates and submissions in PostgreSQL.
//
// Submissions are write-once: there is no update or delete path, and a write
// that is accepted without yielding a generated id is treated as a failure,
// because the id is what routes the user to the confirmation view.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxform/voxform/pkg/forms"
)

// Schema is the SQL DDL for the form tables. Execute it via [Store.Migrate]
// or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS form_templates (
    id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    title      TEXT NOT NULL,
    fields     JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS form_submissions (
    id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    template_id TEXT NOT NULL REFERENCES form_templates(id),
    form_data   JSONB NOT NULL DEFAULT '{}',
    actor_id    TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_form_submissions_template ON form_submissions(template_id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PersistenceError reports a failed submission write. Reason is deliberately
// generalized: it is shown to end users and must not leak storage internals.
type PersistenceError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("persistence failed: %s: %v", e.Reason, e.Err)
	}
	return "persistence failed: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the PostgreSQL-backed persistence adapter.
type Store struct {
	db DB
}

// New creates a Store using the given database connection or pool. The caller
// is responsible for calling [Store.Migrate] to ensure the schema exists
// before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the form
// tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// SaveSubmission inserts one finalized submission and returns its generated
// id. An empty actorID is stored as NULL (anonymous capture). Failures are
// reported as a [*PersistenceError].
func (s *Store) SaveSubmission(ctx context.Context, templateID string, formData map[string]any, actorID string) (string, error) {
	dataJSON, err := json.Marshal(formData)
	if err != nil {
		return "", &PersistenceError{Reason: "the submission could not be encoded", Err: err}
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const query = `
		INSERT INTO form_submissions (template_id, form_data, actor_id)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id string
	err = s.db.QueryRow(ctx, query, templateID, dataJSON, actor).Scan(&id)
	if err != nil {
		return "", &PersistenceError{Reason: "the submission could not be saved", Err: err}
	}
	if id == "" {
		// The write went through but the store handed back no identifier.
		// Without the id there is no confirmation view to route to, so this
		// counts as a failure rather than a partial success.
		return "", &PersistenceError{Reason: "the store returned no submission id"}
	}
	return id, nil
}

// GetSubmission retrieves a submission by id. It returns (nil, nil) if no
// submission with the given id exists.
func (s *Store) GetSubmission(ctx context.Context, id string) (*forms.Submission, error) {
	const query = `
		SELECT id, template_id, form_data, actor_id, created_at
		FROM form_submissions
		WHERE id = $1`

	var sub forms.Submission
	var dataJSON []byte
	var actor *string

	err := s.db.QueryRow(ctx, query, id).Scan(&sub.ID, &sub.TemplateID, &dataJSON, &actor, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get submission %q: %w", id, err)
	}
	if err := json.Unmarshal(dataJSON, &sub.FormData); err != nil {
		return nil, fmt.Errorf("store: unmarshal form_data of %q: %w", id, err)
	}
	if actor != nil {
		sub.ActorID = *actor
	}
	return &sub, nil
}

// CreateForm inserts a new form template and returns it with its generated id
// and timestamp filled in. The field set must validate.
func (s *Store) CreateForm(ctx context.Context, title string, fields []forms.FieldDefinition) (*forms.Form, error) {
	if title == "" {
		return nil, fmt.Errorf("store: %w: title is required", forms.ErrInvalidForm)
	}
	if err := forms.ValidateFields(fields); err != nil {
		return nil, fmt.Errorf("store: %w: %w", forms.ErrInvalidForm, err)
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: marshal fields: %w", err)
	}

	const query = `
		INSERT INTO form_templates (title, fields)
		VALUES ($1, $2)
		RETURNING id, created_at`

	form := forms.Form{Title: title, Fields: fields}
	err = s.db.QueryRow(ctx, query, title, fieldsJSON).Scan(&form.ID, &form.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create form: %w", err)
	}
	return &form, nil
}

// GetForm retrieves a form template by id. It returns (nil, nil) if no form
// with the given id exists.
func (s *Store) GetForm(ctx context.Context, id string) (*forms.Form, error) {
	const query = `
		SELECT id, title, fields, created_at
		FROM form_templates
		WHERE id = $1`

	var form forms.Form
	var fieldsJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(&form.ID, &form.Title, &fieldsJSON, &form.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get form %q: %w", id, err)
	}
	if err := json.Unmarshal(fieldsJSON, &form.Fields); err != nil {
		return nil, fmt.Errorf("store: unmarshal fields of %q: %w", id, err)
	}
	return &form, nil
}

// ListForms returns all form templates ordered by title.
func (s *Store) ListForms(ctx context.Context) ([]forms.Form, error) {
	const query = `
		SELECT id, title, fields, created_at
		FROM form_templates
		ORDER BY title`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list forms: %w", err)
	}
	defer rows.Close()

	var out []forms.Form
	for rows.Next() {
		var form forms.Form
		var fieldsJSON []byte
		if err := rows.Scan(&form.ID, &form.Title, &fieldsJSON, &form.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan form: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &form.Fields); err != nil {
			return nil, fmt.Errorf("store: unmarshal fields of %q: %w", form.ID, err)
		}
		out = append(out, form)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list forms: %w", err)
	}
	return out, nil
}
