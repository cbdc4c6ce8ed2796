package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
	"github.com/unielevate/proctor/internal/stream"
)

func testExam(title string, active bool, created time.Time) model.Exam {
	return model.Exam{
		ID:         uuid.New(),
		Title:      title,
		Duration:   30,
		AccessCode: "AC-" + title,
		IsActive:   active,
		CreatedAt:  created,
		Questions: []model.Question{
			{ID: uuid.New(), Text: "q1", Type: model.QuestionMCQ, Options: []string{"a", "b"}, CorrectAnswer: "a"},
		},
	}
}

func mustChange(t *testing.T, table string, op stream.Operation, oldRow, newRow any) stream.ChangeEvent {
	t.Helper()
	ev, err := stream.NewChange(table, op, oldRow, newRow)
	if err != nil {
		t.Fatalf("NewChange: %v", err)
	}
	return ev
}

func TestSnapshotNewestFirst(t *testing.T) {
	c := NewCache()
	now := time.Now()
	older := testExam("Older", false, now.Add(-time.Hour))
	newer := testExam("Newer", false, now)
	c.Reload([]model.Exam{older, newer})

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 exams, got %d", len(snap))
	}
	if snap[0].ID != newer.ID || snap[1].ID != older.ID {
		t.Errorf("expected newest first, got %s then %s", snap[0].Title, snap[1].Title)
	}
}

func TestApplyUpdatePreservesQuestions(t *testing.T) {
	c := NewCache()
	exam := testExam("Patched", false, time.Now())
	c.Reload([]model.Exam{exam})

	// Row payloads never carry child rows.
	updated := exam
	updated.Title = "Patched v2"
	updated.IsActive = true
	updated.Questions = nil

	ev := mustChange(t, stream.TableExams, stream.OpUpdate, nil, updated)
	if err := c.Apply(ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, ok := c.Get(exam.ID)
	if !ok {
		t.Fatal("exam vanished from cache")
	}
	if got.Title != "Patched v2" || !got.IsActive {
		t.Errorf("row fields not patched: %+v", got)
	}
	if len(got.Questions) != 1 {
		t.Errorf("expected questions preserved, got %d", len(got.Questions))
	}
}

func TestApplyUpdateOverwritesOptimisticState(t *testing.T) {
	c := NewCache()
	exam := testExam("Live", false, time.Now())
	c.Reload([]model.Exam{exam})
	c.setActive(exam.ID, true)

	// A confirmed event saying inactive wins over the local flip.
	confirmed := exam
	confirmed.IsActive = false
	confirmed.Questions = nil
	ev := mustChange(t, stream.TableExams, stream.OpUpdate, nil, confirmed)
	if err := c.Apply(ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.ActiveExam() != nil {
		t.Error("confirmed event must overwrite the optimistic active flag")
	}
}

func TestApplyInsertRequiresReload(t *testing.T) {
	c := NewCache()
	exam := testExam("New", false, time.Now())
	exam.Questions = nil

	ev := mustChange(t, stream.TableExams, stream.OpInsert, nil, exam)
	if err := c.Apply(ev); !errors.Is(err, ErrStalePayload) {
		t.Fatalf("expected ErrStalePayload for insert, got %v", err)
	}
}

func TestApplyUpdateForUnknownExamRequiresReload(t *testing.T) {
	c := NewCache()
	exam := testExam("Unknown", false, time.Now())
	exam.Questions = nil

	ev := mustChange(t, stream.TableExams, stream.OpUpdate, nil, exam)
	if err := c.Apply(ev); !errors.Is(err, ErrStalePayload) {
		t.Fatalf("expected ErrStalePayload for unknown exam, got %v", err)
	}
}

func TestApplyDeletePurges(t *testing.T) {
	c := NewCache()
	exam := testExam("Doomed", true, time.Now())
	c.Reload([]model.Exam{exam})

	row := exam
	row.Questions = nil
	ev := mustChange(t, stream.TableExams, stream.OpDelete, row, nil)
	if err := c.Apply(ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := c.Get(exam.ID); ok {
		t.Error("deleted exam still cached")
	}
	if c.ActiveExam() != nil {
		t.Error("deleted exam still reported active")
	}
}

func TestSetActiveKeepsSingleActive(t *testing.T) {
	c := NewCache()
	e1 := testExam("One", true, time.Now())
	e2 := testExam("Two", false, time.Now())
	c.Reload([]model.Exam{e1, e2})

	c.setActive(e2.ID, true)

	active := c.ActiveExam()
	if active == nil || active.ID != e2.ID {
		t.Fatalf("expected e2 active, got %+v", active)
	}
	got1, _ := c.Get(e1.ID)
	if got1.IsActive {
		t.Error("activating e2 must clear e1's flag")
	}
}
