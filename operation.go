// Package offlineengine holds the vocabulary shared by the offline engine
// packages: mutation operations and their sync priority, the error taxonomy
// surfaced to callers, and cache key derivation.
package offlineengine

import (
	"fmt"
	"strings"
)

// Operation is the kind of mutation recorded in the sync queue.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
	// OpSave is a generic upsert used by intents that do not distinguish
	// create from update.
	OpSave Operation = "SAVE"
)

// DefaultPriority is the priority of an operation missing from the table.
const DefaultPriority = 2

// priorities orders queue processing within a drain: deletes first so a
// record removed offline is never resurrected by a later create.
var priorities = map[Operation]int{
	OpDelete: 10,
	OpCreate: 8,
	OpUpdate: 6,
	OpSave:   4,
}

// Priority returns the processing priority of the operation. Higher runs first.
func (o Operation) Priority() int {
	if p, ok := priorities[o]; ok {
		return p
	}
	return DefaultPriority
}

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	_, ok := priorities[o]
	return ok
}

// String implements fmt.Stringer.
func (o Operation) String() string {
	return string(o)
}

// ParseOperation parses an operation name, case-insensitively.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}
