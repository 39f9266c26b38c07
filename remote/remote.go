// Package remote applies queued mutations to the authoritative backend.
package remote

import (
	"context"
	"encoding/json"

	offlineengine "github.com/wolfeidau/offline-engine"
)

// Mutation is a single change to replay against the backend.
type Mutation struct {
	Table          string
	Operation      offlineengine.Operation
	RecordID       string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Applier applies a mutation remotely. Implementations must treat a replay
// of an already-applied mutation (same idempotency key) as success.
type Applier interface {
	Apply(ctx context.Context, m Mutation) error
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, m Mutation) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

type fromQueueKey struct{}

// WithFromQueue marks ctx as carrying a replay from the sync queue, so the
// interception layer never re-queues the mutation.
func WithFromQueue(ctx context.Context) context.Context {
	return context.WithValue(ctx, fromQueueKey{}, true)
}

// FromQueue reports whether ctx carries a queue replay.
func FromQueue(ctx context.Context) bool {
	v, _ := ctx.Value(fromQueueKey{}).(bool)
	return v
}
