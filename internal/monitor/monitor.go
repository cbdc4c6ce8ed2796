// Package monitor is the live side of the console: it owns the change
// subscriptions, folds answer events into per-student rollups, keeps
// the bounded activity feed, and patches the exam registry from exam
// change events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
	"github.com/unielevate/proctor/internal/registry"
	"github.com/unielevate/proctor/internal/stream"
)

// Store is the read surface the monitor needs for backfills.
type Store interface {
	AnswerStore
	ListExams(ctx context.Context) ([]model.Exam, error)
	ListRecentAnswers(ctx context.Context, limit int) ([]model.AnswerEvent, error)
}

// Monitor wires the event source to the registry cache, the
// aggregation engine and the feed window. All event mutation runs on
// one dispatch goroutine, one event to completion at a time; the
// subscriptions are owned here and released by Close on every exit
// path.
type Monitor struct {
	store    Store
	source   stream.Source
	registry *registry.Cache

	Engine *Engine
	Feed   *Feed

	subs []*stream.Subscription
	done chan struct{}
}

// New creates a monitor around an existing registry cache.
func New(st Store, src stream.Source, reg *registry.Cache, warmExams int) *Monitor {
	return &Monitor{
		store:    st,
		source:   src,
		registry: reg,
		Engine:   NewEngine(st, warmExams),
		Feed:     NewFeed(FeedCapacity),
		done:     make(chan struct{}),
	}
}

// Start backfills state from the store, subscribes to live changes and
// launches the dispatch loop. Backfill runs before subscribing, so an
// event landing in both the backfill read and the first live delivery
// is possible; the engine's dedup rule absorbs that overlap.
func (m *Monitor) Start(ctx context.Context) error {
	exams, err := m.store.ListExams(ctx)
	if err != nil {
		return fmt.Errorf("backfill exams: %w", err)
	}
	m.registry.Reload(exams)

	recent, err := m.store.ListRecentAnswers(ctx, FeedCapacity)
	if err != nil {
		return fmt.Errorf("backfill feed: %w", err)
	}
	// Recent answers arrive newest first; push oldest first so the
	// window ends up most-recent-first.
	for i := len(recent) - 1; i >= 0; i-- {
		ans := recent[i]
		m.Feed.Push(FeedEntry{AnswerEvent: ans, StudentName: m.Engine.ResolveStudent(ctx, ans.StudentID)})
	}

	answerSub, err := m.source.Subscribe(ctx, stream.TableAnswers, stream.OpInsert)
	if err != nil {
		return fmt.Errorf("subscribe answers: %w", err)
	}
	examSub, err := m.source.Subscribe(ctx, stream.TableExams)
	if err != nil {
		_ = answerSub.Close()
		return fmt.Errorf("subscribe exams: %w", err)
	}
	m.subs = []*stream.Subscription{answerSub, examSub}

	go m.loop(ctx, answerSub, examSub)
	slog.Info("monitor started", "exams", len(exams), "feed_backfill", len(recent))
	return nil
}

func (m *Monitor) loop(ctx context.Context, answerSub, examSub *stream.Subscription) {
	defer close(m.done)
	answers := answerSub.Events()
	examChanges := examSub.Events()

	for answers != nil || examChanges != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-answers:
			if !ok {
				answers = nil
				continue
			}
			m.handleAnswer(ctx, ev)
		case ev, ok := <-examChanges:
			if !ok {
				examChanges = nil
				continue
			}
			m.handleExamChange(ctx, ev)
		}
	}
}

func (m *Monitor) handleAnswer(ctx context.Context, ev stream.ChangeEvent) {
	ans, err := ev.Answer()
	if err != nil {
		slog.Warn("undecodable answer event", "error", err)
		return
	}
	m.Engine.ApplyEvent(ans)
	m.Feed.Push(FeedEntry{AnswerEvent: ans, StudentName: m.Engine.ResolveStudent(ctx, ans.StudentID)})
}

func (m *Monitor) handleExamChange(ctx context.Context, ev stream.ChangeEvent) {
	if ev.Op == stream.OpDelete {
		if exam, err := ev.Exam(); err == nil {
			m.Engine.DropExam(exam.ID)
		}
	}

	err := m.registry.Apply(ev)
	if err == nil {
		return
	}
	if !errors.Is(err, registry.ErrStalePayload) {
		slog.Warn("apply exam change", "op", ev.Op, "error", err)
		return
	}

	// Payload was not enough for an incremental patch; reload. A failed
	// reload keeps the last known good registry rather than clearing it.
	exams, err := m.store.ListExams(ctx)
	if err != nil {
		slog.Warn("registry reload failed, keeping last known state", "error", err)
		return
	}
	m.registry.Reload(exams)
}

// SelectExam switches the monitored exam, backfilling cold buckets.
func (m *Monitor) SelectExam(ctx context.Context, examID uuid.UUID) error {
	return m.Engine.SelectExam(ctx, examID)
}

// Close releases the subscriptions and waits for the dispatch loop to
// drain. Safe to call after a failed Start.
func (m *Monitor) Close() {
	for _, sub := range m.subs {
		_ = sub.Close()
	}
	if m.subs != nil {
		<-m.done
	}
}
