// Package intercept routes mutation intents before they reach the remote.
//
// Intents flow through a chain of middlewares: errors are classified and
// reported, online-only intents are rejected while offline, and queueable
// intents are written to the local store and always enqueued for sync. The
// queue is the only path a queueable mutation takes to the remote, online or
// not, so a change is never lost between a failed direct call and the queue.
package intercept

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	offlineengine "github.com/wolfeidau/offline-engine"
)

// Intent is a request to change application state.
type Intent struct {
	// Type names the intent, e.g. SAVE_INVOICE or EXPORT_TO_ZATCA.
	Type string `json:"type"`
	// Table is the business table the intent writes to.
	Table string `json:"table,omitempty"`
	// Operation defaults to the verb prefix of Type.
	Operation offlineengine.Operation `json:"operation,omitempty"`
	// RecordID defaults to the payload "id" field.
	RecordID string            `json:"record_id,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Status is the outcome of a dispatched intent.
type Status string

const (
	// StatusConfirmed means the intent was handled directly.
	StatusConfirmed Status = "confirmed"
	// StatusQueued means the intent was stored locally while offline and
	// will sync when connectivity returns.
	StatusQueued Status = "queued"
	// StatusPending means the intent was stored locally while online and a
	// sync has been requested.
	StatusPending Status = "pending"
	// StatusRejected means the intent was refused.
	StatusRejected Status = "rejected"
)

// Result describes how an intent was handled.
type Result struct {
	// Type is the intent type, relabelled with a _QUEUED suffix when the
	// intent went through the sync queue.
	Type     string                `json:"type"`
	Status   Status                `json:"status"`
	QueueID  uint64                `json:"queue_id,omitempty"`
	RecordID string                `json:"record_id,omitempty"`
	Notice   *offlineengine.Notice `json:"notice,omitempty"`
}

// QueuedSuffix is appended to the type of intents routed through the queue.
const QueuedSuffix = "_QUEUED"

// operation resolves the intent operation from the explicit field or the
// verb prefix of the type ("SAVE_INVOICE" is SAVE).
func (in Intent) operation() (offlineengine.Operation, error) {
	if in.Operation != "" {
		return offlineengine.ParseOperation(string(in.Operation))
	}
	verb, _, _ := strings.Cut(in.Type, "_")
	op, err := offlineengine.ParseOperation(verb)
	if err != nil {
		return "", fmt.Errorf("intent %s: operation is required", in.Type)
	}
	return op, nil
}

// recordID resolves the record id from the explicit field or the payload.
func (in Intent) recordID() string {
	if in.RecordID != "" {
		return in.RecordID
	}
	if len(in.Payload) == 0 {
		return ""
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(in.Payload, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	// Numeric ids keep their JSON text.
	return strings.TrimSpace(string(probe.ID))
}

// withRecordID returns payload with its "id" field set to id when the
// payload is a JSON object without one. An empty payload becomes an object
// holding only the id; any other payload is returned unchanged.
func withRecordID(payload json.RawMessage, id string) json.RawMessage {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return payload
	}
	if v, ok := fields["id"]; ok && string(v) != "null" && string(v) != `""` {
		return payload
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return payload
	}
	fields["id"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

// Policy classifies intent types. Matching is exact and case-insensitive.
type Policy struct {
	queueable  map[string]struct{}
	onlineOnly map[string]struct{}
}

// DefaultQueueable lists the intents routed through the sync queue by default.
var DefaultQueueable = []string{
	"SAVE_INVOICE",
	"UPDATE_CUSTOMER",
	"CREATE_PRODUCT",
	"UPDATE_INVENTORY",
	"SYNC_DATA",
	"DELETE_RECORD",
}

// DefaultOnlineOnly lists the intents refused while offline by default.
var DefaultOnlineOnly = []string{
	"EXPORT_TO_ZATCA",
	"SEND_EMAIL",
	"CLOUD_BACKUP",
}

// NewPolicy builds a policy from type lists.
func NewPolicy(queueable, onlineOnly []string) Policy {
	return Policy{
		queueable:  typeSet(queueable),
		onlineOnly: typeSet(onlineOnly),
	}
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultQueueable, DefaultOnlineOnly)
}

// Queueable reports whether intents of type t go through the sync queue.
func (p Policy) Queueable(t string) bool {
	_, ok := p.queueable[normalizeType(t)]
	return ok
}

// OnlineOnly reports whether intents of type t require connectivity.
func (p Policy) OnlineOnly(t string) bool {
	_, ok := p.onlineOnly[normalizeType(t)]
	return ok
}

func typeSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[normalizeType(t)] = struct{}{}
	}
	return set
}

func normalizeType(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}
