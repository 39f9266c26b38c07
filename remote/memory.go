package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	offlineengine "github.com/wolfeidau/offline-engine"
)

// MemoryApplier is an in-process backend. It applies mutations to an
// in-memory table map and is used for local development and tests.
type MemoryApplier struct {
	mu      sync.Mutex
	tables  map[string]map[string]json.RawMessage
	seen    map[string]struct{}
	calls   []Mutation
	failure func(Mutation) error
}

// NewMemoryApplier creates an empty in-memory backend.
func NewMemoryApplier() *MemoryApplier {
	return &MemoryApplier{
		tables: make(map[string]map[string]json.RawMessage),
		seen:   make(map[string]struct{}),
	}
}

// FailWith makes every following Apply call consult fn first; a non-nil
// result is returned without applying the mutation. A nil fn clears it.
func (m *MemoryApplier) FailWith(fn func(Mutation) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = fn
}

// Apply records the call and applies mut. Replays of an already-seen
// idempotency key, and creates of an existing identifier, succeed without
// changing state.
func (m *MemoryApplier) Apply(ctx context.Context, mut Mutation) error {
	if err := ctx.Err(); err != nil {
		return offlineengine.NewNetworkError("apply", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mut)
	if m.failure != nil {
		if err := m.failure(mut); err != nil {
			return err
		}
	}

	if mut.IdempotencyKey != "" {
		if _, ok := m.seen[mut.IdempotencyKey]; ok {
			return nil
		}
	}

	rows := m.tables[mut.Table]
	if rows == nil {
		rows = make(map[string]json.RawMessage)
		m.tables[mut.Table] = rows
	}

	switch mut.Operation {
	case offlineengine.OpCreate, offlineengine.OpUpdate, offlineengine.OpSave:
		id := mut.RecordID
		if id == "" {
			id = fmt.Sprintf("%s-%d", mut.Table, len(rows)+1)
		}
		if _, exists := rows[id]; exists && mut.Operation == offlineengine.OpCreate {
			// A create for an identifier the backend already holds is a
			// replay; the stored row wins.
			break
		}
		rows[id] = append(json.RawMessage(nil), mut.Payload...)
	case offlineengine.OpDelete:
		delete(rows, mut.RecordID)
	default:
		return fmt.Errorf("unsupported operation %q", mut.Operation)
	}

	if mut.IdempotencyKey != "" {
		m.seen[mut.IdempotencyKey] = struct{}{}
	}
	return nil
}

// Calls returns a copy of every mutation passed to Apply, in order.
func (m *MemoryApplier) Calls() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mutation(nil), m.calls...)
}

// Rows returns a copy of the rows held for table.
func (m *MemoryApplier) Rows(table string) map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.tables[table]))
	for id, data := range m.tables[table] {
		out[id] = data
	}
	return out
}
