package jobstore

import (
	"errors"
	"testing"

	"github.com/huiseok06/clipvoice/internal/model"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Create(newJob("m1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(newJob("m1")); err != nil {
		t.Fatalf("identical duplicate should converge: %v", err)
	}
	other := newJob("m1")
	other.Voice = "alloy"
	if err := s.Create(other); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := s.Patch("m1", model.StatusPatch(model.StatusDone, 100)); err != nil {
		t.Fatalf("patch: %v", err)
	}
	got, err := s.Patch("m1", model.FailurePatch("late failure"))
	if err != nil {
		t.Fatalf("patch after terminal: %v", err)
	}
	if got.Status != model.StatusDone {
		t.Fatalf("terminal status transitioned: %s", got.Status)
	}

	if _, err := s.Read("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Create(newJob("m2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Read("m2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got.Files["evil"] = "/tmp/x"
	again, err := s.Read("m2")
	if err != nil {
		t.Fatalf("read again: %v", err)
	}
	if _, ok := again.Files["evil"]; ok {
		t.Fatal("caller mutation leaked into stored state")
	}
}
