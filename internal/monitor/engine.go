package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
)

// DefaultWarmExams bounds how many exams keep their rollup buckets in
// memory. Buckets beyond the budget are evicted least-recently-viewed
// and rebuilt from backfill on the next selection.
const DefaultWarmExams = 8

// AnswerStore is the slice of the relational store the engine reads.
type AnswerStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*model.Profile, error)
	ListAnswersByExam(ctx context.Context, examID uuid.UUID) ([]model.AnswerEvent, error)
}

// StudentRollup is the aggregated view of one student's progress on one
// exam. Consumers receive copies and never mutate engine state.
type StudentRollup struct {
	StudentID   uuid.UUID           `json:"student_id"`
	DisplayName string              `json:"display_name"`
	Responses   []model.AnswerEvent `json:"responses"`
	TotalScore  float64             `json:"total_score"`
	Completed   int                 `json:"completed"`
}

// bucket accumulates one (exam, student) pair. The response list stays
// unsorted on the hot insert path; ordering by question index is
// applied when a snapshot is taken.
type bucket struct {
	responses  []model.AnswerEvent
	byQuestion map[uuid.UUID]int
	total      float64
}

type examState struct {
	students   map[uuid.UUID]*bucket
	lastViewed time.Time
	backfilled bool
}

// Engine consumes graded answer events and maintains per-exam,
// per-student rollups. It tolerates duplicate delivery and out-of-order
// arrival: the same (exam, student, question) replaces in place with
// latest-wins semantics, and ordering only matters at read time.
type Engine struct {
	mu       sync.Mutex
	store    AnswerStore
	maxWarm  int
	exams    map[uuid.UUID]*examState
	selected uuid.UUID
	names    map[uuid.UUID]string
}

// NewEngine creates an engine with the given warm-exam budget;
// budget <= 0 uses DefaultWarmExams.
func NewEngine(store AnswerStore, maxWarm int) *Engine {
	if maxWarm <= 0 {
		maxWarm = DefaultWarmExams
	}
	return &Engine{
		store:   store,
		maxWarm: maxWarm,
		exams:   make(map[uuid.UUID]*examState),
		names:   make(map[uuid.UUID]string),
	}
}

// ApplyEvent folds one answer event into its (exam, student) bucket.
//
// A repeated (exam, student, question), whether re-delivery or a
// student re-submitting, replaces the stored event and the running total is
// recomputed from scratch: summing all current scores avoids the
// floating-point drift an add-then-subtract update would accumulate
// over many replays.
func (e *Engine) ApplyEvent(ev model.AnswerEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyLocked(ev)
}

func (e *Engine) applyLocked(ev model.AnswerEvent) {
	state, ok := e.exams[ev.ExamID]
	if !ok {
		state = &examState{students: make(map[uuid.UUID]*bucket)}
		e.exams[ev.ExamID] = state
	}
	b, ok := state.students[ev.StudentID]
	if !ok {
		b = &bucket{byQuestion: make(map[uuid.UUID]int)}
		state.students[ev.StudentID] = b
	}

	if i, seen := b.byQuestion[ev.QuestionID]; seen {
		b.responses[i] = ev
		var total float64
		for _, r := range b.responses {
			total += r.Score
		}
		b.total = total
		return
	}

	b.byQuestion[ev.QuestionID] = len(b.responses)
	b.responses = append(b.responses, ev)
	b.total += ev.Score
}

// SelectExam switches which exam's buckets the monitoring view reads.
// A cold exam is backfilled from the store first; warm exams for other
// ids are kept so switching back is instant, up to the warm budget.
func (e *Engine) SelectExam(ctx context.Context, examID uuid.UUID) error {
	e.mu.Lock()
	state, ok := e.exams[examID]
	needBackfill := !ok || !state.backfilled
	e.mu.Unlock()

	if needBackfill {
		answers, err := e.store.ListAnswersByExam(ctx, examID)
		if err != nil {
			return err
		}
		e.mu.Lock()
		// Live events may have raced the backfill read; applying the
		// backfill through the same dedup path absorbs the overlap.
		for _, ans := range answers {
			e.applyLocked(ans)
		}
		if state = e.exams[examID]; state == nil {
			state = &examState{students: make(map[uuid.UUID]*bucket)}
			e.exams[examID] = state
		}
		state.backfilled = true
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = examID
	e.exams[examID].lastViewed = time.Now()
	e.evictLocked()
	return nil
}

// evictLocked drops least-recently-viewed exam states beyond the warm
// budget. The selected exam is never evicted.
func (e *Engine) evictLocked() {
	for len(e.exams) > e.maxWarm {
		var (
			victim uuid.UUID
			oldest time.Time
			found  bool
		)
		for id, state := range e.exams {
			if id == e.selected {
				continue
			}
			if !found || state.lastViewed.Before(oldest) {
				victim, oldest, found = id, state.lastViewed, true
			}
		}
		if !found {
			return
		}
		delete(e.exams, victim)
		slog.Debug("evicted warm exam buckets", "exam_id", victim)
	}
}

// DropExam discards buckets for a deleted exam.
func (e *Engine) DropExam(examID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.exams, examID)
	if e.selected == examID {
		e.selected = uuid.Nil
	}
}

// SelectedExam returns the exam currently exposed to the view.
func (e *Engine) SelectedExam() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Rollups returns a snapshot of the selected exam's per-student
// rollups: responses sorted by question index, students sorted by
// display identity so the view is stable between refreshes.
func (e *Engine) Rollups(ctx context.Context) []StudentRollup {
	e.mu.Lock()
	state, ok := e.exams[e.selected]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	type pending struct {
		studentID uuid.UUID
		responses []model.AnswerEvent
		total     float64
	}
	snapshots := make([]pending, 0, len(state.students))
	for studentID, b := range state.students {
		responses := make([]model.AnswerEvent, len(b.responses))
		copy(responses, b.responses)
		snapshots = append(snapshots, pending{studentID, responses, b.total})
	}
	e.mu.Unlock()

	rollups := make([]StudentRollup, 0, len(snapshots))
	for _, p := range snapshots {
		sort.SliceStable(p.responses, func(i, j int) bool {
			return p.responses[i].QuestionIndex < p.responses[j].QuestionIndex
		})
		rollups = append(rollups, StudentRollup{
			StudentID:   p.studentID,
			DisplayName: e.ResolveStudent(ctx, p.studentID),
			Responses:   p.responses,
			TotalScore:  p.total,
			Completed:   len(p.responses),
		})
	}
	sort.Slice(rollups, func(i, j int) bool {
		return rollups[i].DisplayName < rollups[j].DisplayName
	})
	return rollups
}

// ResolveStudent returns a display identity for a student id. The
// profile lookup runs once per unknown id and is memoized, misses
// included; an unresolved profile degrades to a truncated id rather
// than failing.
func (e *Engine) ResolveStudent(ctx context.Context, studentID uuid.UUID) string {
	e.mu.Lock()
	if name, ok := e.names[studentID]; ok {
		e.mu.Unlock()
		return name
	}
	e.mu.Unlock()

	name := studentID.String()[:8]
	profile, err := e.store.GetProfile(ctx, studentID)
	if err != nil {
		slog.Warn("profile lookup failed", "student_id", studentID, "error", err)
	} else if profile != nil {
		if profile.Email != "" {
			name = profile.Email
		} else if profile.Name != "" {
			name = profile.Name
		}
	}

	e.mu.Lock()
	e.names[studentID] = name
	e.mu.Unlock()
	return name
}
