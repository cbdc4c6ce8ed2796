// Package stream adapts the external change-notification channel into a
// normalized stream of typed change events. Subscriptions are explicit
// handles owned by whoever created them; there is no ambient global
// channel state and no history replay. Callers that need historical
// state must backfill through the store before subscribing.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
)

// Operation is the kind of row change an event describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Tables this system subscribes to.
const (
	TableExams   = "exams"
	TableAnswers = "answers"
)

// ErrBadPayload reports an event whose payload cannot be decoded into
// the expected row. Cache consumers treat it as a signal to fall back
// to a full reload.
var ErrBadPayload = errors.New("stream: undecodable event payload")

// ChangeEvent is one row change: the table it happened on, the kind of
// change, and the row before and after. Delete events carry only Old;
// inserts carry only New.
type ChangeEvent struct {
	Table string          `json:"table"`
	Op    Operation       `json:"op"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
	At    time.Time       `json:"at"`
}

// NewChange builds a ChangeEvent, marshaling the before/after rows.
// Nil rows are omitted from the payload.
func NewChange(table string, op Operation, oldRow, newRow any) (ChangeEvent, error) {
	ev := ChangeEvent{Table: table, Op: op, At: time.Now().UTC()}
	if oldRow != nil {
		data, err := json.Marshal(oldRow)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.Old = data
	}
	if newRow != nil {
		data, err := json.Marshal(newRow)
		if err != nil {
			return ChangeEvent{}, err
		}
		ev.New = data
	}
	return ev, nil
}

// Exam decodes the event's row as an exam, preferring the after image.
func (e ChangeEvent) Exam() (model.Exam, error) {
	raw := e.New
	if len(raw) == 0 {
		raw = e.Old
	}
	var exam model.Exam
	if len(raw) == 0 || json.Unmarshal(raw, &exam) != nil || exam.ID == uuid.Nil {
		return model.Exam{}, ErrBadPayload
	}
	return exam, nil
}

// Answer decodes the event's after image as an answer event.
func (e ChangeEvent) Answer() (model.AnswerEvent, error) {
	var ans model.AnswerEvent
	if len(e.New) == 0 || json.Unmarshal(e.New, &ans) != nil || ans.ExamID == uuid.Nil {
		return model.AnswerEvent{}, ErrBadPayload
	}
	return ans, nil
}

// Source delivers change events for a table. Events for one table
// arrive in the order the channel emitted them; there is no cross-table
// ordering and no delivery guarantee across connection loss.
type Source interface {
	// Subscribe starts delivery of matching events. An empty ops list
	// matches every operation. The returned subscription must be closed
	// on every exit path or the listener keeps mutating state for a
	// view that is no longer displayed.
	Subscribe(ctx context.Context, table string, ops ...Operation) (*Subscription, error)
}

// Publisher emits change events onto the channel. The store publishes
// after each confirmed write, which is how coordinator confirmations
// flow back in as ExamChanged events.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Subscription is an owned handle on a single-table event stream.
type Subscription struct {
	events chan ChangeEvent
	stop   func()
	once   sync.Once
}

func newSubscription(buffer int, stop func()) *Subscription {
	return &Subscription{events: make(chan ChangeEvent, buffer), stop: stop}
}

// Events returns the delivery channel. It is closed when the
// subscription ends, whether by Close or by context cancellation.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.events
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.stop)
	return nil
}

func matches(ops []Operation, op Operation) bool {
	if len(ops) == 0 {
		return true
	}
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
