package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ExamWriter is the slice of the store the coordinator needs.
type ExamWriter interface {
	DeactivateAllExcept(ctx context.Context, except uuid.UUID) error
	SetExamActive(ctx context.Context, id uuid.UUID, active bool) error
}

// Coordinator enforces the single-active-exam invariant. Activation is
// a two-step write against a store with no cross-record transaction:
// deactivate everything else, then activate the target. Concurrent
// requests are serialized here; between the two steps a reader may
// observe zero active exams, which is an accepted and documented
// window, not a bug to mask. There is no optimistic locking: last
// write wins, and the confirming change events reconcile the cache.
type Coordinator struct {
	mu    sync.Mutex
	store ExamWriter
	cache *Cache
}

// NewCoordinator wires the coordinator to its store and cache.
func NewCoordinator(store ExamWriter, cache *Cache) *Coordinator {
	return &Coordinator{store: store, cache: cache}
}

// Activate makes examID the only active exam.
//
// If the second step fails the system is left with zero active exams:
// fail-safe toward "nothing live" rather than "two live". That state is
// reported to the operator, never silently retried.
func (c *Coordinator) Activate(ctx context.Context, examID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.DeactivateAllExcept(ctx, examID); err != nil {
		return fmt.Errorf("deactivate other exams: %w", err)
	}
	if err := c.store.SetExamActive(ctx, examID, true); err != nil {
		return fmt.Errorf("activate exam (no exam is live now): %w", err)
	}

	// Display-only optimism; the ExamChanged confirmations overwrite it.
	c.cache.setActive(examID, true)
	slog.Info("exam activated", "exam_id", examID)
	return nil
}

// Deactivate unconditionally clears the exam's active flag. Idempotent:
// deactivating an already-inactive exam is a no-op that still succeeds.
func (c *Coordinator) Deactivate(ctx context.Context, examID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetExamActive(ctx, examID, false); err != nil {
		return fmt.Errorf("deactivate exam: %w", err)
	}
	c.cache.setActive(examID, false)
	slog.Info("exam deactivated", "exam_id", examID)
	return nil
}
