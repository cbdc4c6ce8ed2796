package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Memory is an in-process change channel for single-node deployments
// and tests. It mimics the external channel's contract: per-table
// ordering, no replay, and best-effort delivery: a subscriber that
// falls behind its buffer loses events rather than blocking the
// publisher.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

type memSub struct {
	sub *Subscription
	ops []Operation
}

// NewMemory creates an empty in-process channel.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memSub)}
}

// Publish delivers the event to every live subscriber of its table, in
// registration order. The lock spans delivery so a concurrent Close
// cannot tear down a channel mid-send; sends never block because every
// subscription is buffered and overflow is dropped.
func (m *Memory) Publish(_ context.Context, ev ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.subs[ev.Table] {
		if !matches(t.ops, ev.Op) {
			continue
		}
		select {
		case t.sub.events <- ev:
		default:
			slog.Warn("dropping change event, slow subscriber", "table", ev.Table, "op", ev.Op)
		}
	}
	return nil
}

// Subscribe registers a buffered subscription for the table.
func (m *Memory) Subscribe(ctx context.Context, table string, ops ...Operation) (*Subscription, error) {
	ms := &memSub{ops: ops}
	ms.sub = newSubscription(64, func() { m.remove(table, ms) })

	m.mu.Lock()
	m.subs[table] = append(m.subs[table], ms)
	m.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = ms.sub.Close()
		}()
	}

	return ms.sub, nil
}

func (m *Memory) remove(table string, target *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[table]
	for i, s := range subs {
		if s == target {
			m.subs[table] = append(subs[:i], subs[i+1:]...)
			close(target.sub.events)
			return
		}
	}
}
