package server

import (
	"context"
	"testing"
	"time"

	"github.com/voxform/voxform/internal/pipeline"
	"github.com/voxform/voxform/pkg/capture"
	"github.com/voxform/voxform/pkg/forms"
	extractmock "github.com/voxform/voxform/pkg/provider/extract/mock"
	sttmock "github.com/voxform/voxform/pkg/provider/stt/mock"
)

type nopSaver struct{}

func (nopSaver) SaveSubmission(_ context.Context, _ string, _ map[string]any, _ string) (string, error) {
	return "sub-1", nil
}

func testFactory() ControllerFactory {
	return func(form forms.Form, actorID string) (*pipeline.Controller, error) {
		return pipeline.New(form, capture.NewRecorder(), &sttmock.Provider{Text: "hi"}, &extractmock.Provider{}, nopSaver{})
	}
}

func managerTestForm() forms.Form {
	return forms.Form{
		ID:     "form-1",
		Title:  "Visitor intake",
		Fields: []forms.FieldDefinition{{Key: "name", Label: "Name", Type: forms.TypeShortText}},
	}
}

func TestSessionManagerCreateGetDelete(t *testing.T) {
	t.Parallel()
	m := NewSessionManager(testFactory(), WithTTL(time.Hour))
	defer m.Close()

	sess, err := m.Create(managerTestForm(), "user-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.ID == "" {
		t.Fatal("Create() assigned no id")
	}

	got, ok := m.Get(sess.ID)
	if !ok || got.ID != sess.ID {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) reported a session")
	}

	if !m.Delete(sess.ID) {
		t.Fatal("Delete() reported no session")
	}
	if m.Delete(sess.ID) {
		t.Error("second Delete() reported a session")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after delete", m.Len())
	}
}

func TestSessionManagerSweep(t *testing.T) {
	t.Parallel()
	m := NewSessionManager(testFactory(), WithTTL(time.Minute))
	defer m.Close()

	sess, err := m.Create(managerTestForm(), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Not yet idle long enough.
	m.sweep(time.Now().Add(30 * time.Second))
	if _, ok := m.Get(sess.ID); !ok {
		t.Fatal("sweep removed a fresh session")
	}

	// Get above refreshed lastSeen; push the clock past the TTL.
	m.sweep(time.Now().Add(2 * time.Minute))
	if m.Len() != 0 {
		t.Errorf("Len() = %d after expiry sweep, want 0", m.Len())
	}
	if err := sess.Controller.Start(context.Background()); err == nil {
		t.Error("expired session controller still accepts events")
	}
}

func TestSessionManagerCloseTearsDown(t *testing.T) {
	t.Parallel()
	m := NewSessionManager(testFactory(), WithTTL(time.Hour))

	sess, err := m.Create(managerTestForm(), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	m.Close()
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", m.Len())
	}
	if err := sess.Controller.Start(context.Background()); err == nil {
		t.Error("controller still accepts events after manager Close")
	}
}
