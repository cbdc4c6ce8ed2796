// Package registry holds the in-memory view of known exams and the
// single-active-exam coordinator. The cache is rebuildable: it can be
// reloaded wholesale from the store or patched incrementally from
// change events, and it is never the source of truth. Confirmed
// events always overwrite whatever the cache believed.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
	"github.com/unielevate/proctor/internal/stream"
)

// ErrStalePayload reports a change event that cannot be applied as an
// incremental patch. The caller is expected to fall back to a full
// reload from the store.
var ErrStalePayload = errors.New("registry: event payload insufficient, reload required")

// Cache is the exam registry: every known exam plus which one is
// active, keyed by id.
type Cache struct {
	mu    sync.RWMutex
	exams map[uuid.UUID]model.Exam
}

// NewCache returns an empty registry.
func NewCache() *Cache {
	return &Cache{exams: make(map[uuid.UUID]model.Exam)}
}

// Reload replaces the whole registry with a fresh store read.
func (c *Cache) Reload(exams []model.Exam) {
	next := make(map[uuid.UUID]model.Exam, len(exams))
	for _, e := range exams {
		next[e.ID] = e
	}
	c.mu.Lock()
	c.exams = next
	c.mu.Unlock()
}

// Apply patches the registry from a single change event.
//
// Updates overwrite the row's fields, is_active included, which is
// what reconciles optimistic local state. They keep the question list
// already cached for that exam, since
// row payloads never carry child rows. Deletes purge. Inserts return
// ErrStalePayload: a bare row has no questions, so the only correct
// patch is a reload.
func (c *Cache) Apply(ev stream.ChangeEvent) error {
	switch ev.Op {
	case stream.OpInsert:
		return ErrStalePayload

	case stream.OpUpdate:
		exam, err := ev.Exam()
		if err != nil {
			return ErrStalePayload
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		existing, ok := c.exams[exam.ID]
		if !ok {
			return ErrStalePayload
		}
		exam.Questions = existing.Questions
		c.exams[exam.ID] = exam
		return nil

	case stream.OpDelete:
		exam, err := ev.Exam()
		if err != nil {
			return ErrStalePayload
		}
		c.mu.Lock()
		delete(c.exams, exam.ID)
		c.mu.Unlock()
		return nil
	}
	return ErrStalePayload
}

// Get returns one cached exam.
func (c *Cache) Get(id uuid.UUID) (model.Exam, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exam, ok := c.exams[id]
	return exam, ok
}

// Snapshot returns all cached exams, newest first.
func (c *Cache) Snapshot() []model.Exam {
	c.mu.RLock()
	exams := make([]model.Exam, 0, len(c.exams))
	for _, e := range c.exams {
		exams = append(exams, e)
	}
	c.mu.RUnlock()

	sort.Slice(exams, func(i, j int) bool {
		return exams[i].CreatedAt.After(exams[j].CreatedAt)
	})
	return exams
}

// ActiveExam returns the active exam, or nil. A nil result during an
// activation handshake is expected, not an error.
func (c *Cache) ActiveExam() *model.Exam {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.exams {
		if e.IsActive {
			exam := e
			return &exam
		}
	}
	return nil
}

// setActive applies the coordinator's optimistic flip for display. The
// confirming ExamChanged events are still authoritative and will
// overwrite this through Apply.
func (c *Cache) setActive(id uuid.UUID, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for examID, e := range c.exams {
		if examID == id {
			e.IsActive = active
		} else if active && e.IsActive {
			e.IsActive = false
		}
		c.exams[examID] = e
	}
}
