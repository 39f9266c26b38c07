package offlineengine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is against the typed errors below.
var (
	ErrOffline    = errors.New("offline")
	ErrNetwork    = errors.New("network error")
	ErrStorage    = errors.New("storage error")
	ErrMaxRetries = errors.New("max retries exceeded")
)

// Category groups errors by the kind of remedy a user can apply.
type Category string

const (
	CategoryOffline        Category = "offline"
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategorySync           Category = "sync"
	CategoryStorage        Category = "storage"
	CategoryUser           Category = "user"
	CategorySystem         Category = "system"
)

// Level is the severity of a reported error.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// OfflineError is returned when an operation requires connectivity and none
// is available. It is surfaced immediately and never retried.
type OfflineError struct {
	// Action names the rejected operation, e.g. "EXPORT_TO_ZATCA" or "sync".
	Action string
}

func (e *OfflineError) Error() string {
	if e.Action == "" {
		return "operation requires a network connection"
	}
	return fmt.Sprintf("%s requires a network connection", e.Action)
}

// Is reports ErrOffline as equivalent.
func (e *OfflineError) Is(target error) bool { return target == ErrOffline }

// Category implements Categorized.
func (e *OfflineError) Category() Category { return CategoryOffline }

// NetworkError wraps a failed remote call: a transport failure or a
// non-success status.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("network: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("network: %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Is reports ErrNetwork as equivalent.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// Category implements Categorized.
func (e *NetworkError) Category() Category { return CategoryNetwork }

// StorageError wraps a local persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorage as equivalent.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Category implements Categorized.
func (e *StorageError) Category() Category { return CategoryStorage }

// MaxRetriesExceededError signals that a queue item exhausted its attempts
// and was moved to permanent-failure storage. It is logged, not returned to
// user-facing callers.
type MaxRetriesExceededError struct {
	ItemID   uint64
	Attempts int
	Err      error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("sync item %d failed after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Err }

// Is reports ErrMaxRetries as equivalent.
func (e *MaxRetriesExceededError) Is(target error) bool { return target == ErrMaxRetries }

// Category implements Categorized.
func (e *MaxRetriesExceededError) Category() Category { return CategorySync }

// Categorized is implemented by errors that know their category.
type Categorized interface {
	Category() Category
}

// NewNetworkError wraps err as a NetworkError for op.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// NewStorageError wraps err as a StorageError for op. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsOffline reports whether err is an OfflineError.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// CategoryOf classifies err. Typed errors report their own category;
// anything else is classified from its message.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return categorizeMessage(err.Error())
}

func categorizeMessage(msg string) Category {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "auth"):
		return CategoryAuthentication
	case strings.Contains(m, "network"), strings.Contains(m, "fetch"), strings.Contains(m, "timeout"):
		return CategoryNetwork
	case strings.Contains(m, "invalid"), strings.Contains(m, "required"):
		return CategoryValidation
	case strings.Contains(m, "sync"):
		return CategorySync
	case strings.Contains(m, "storage"), strings.Contains(m, "quota"), strings.Contains(m, "database"):
		return CategoryStorage
	case strings.Contains(m, "user"):
		return CategoryUser
	default:
		return CategorySystem
	}
}

// LevelOf returns the severity for a category.
func LevelOf(c Category) Level {
	switch c {
	case CategoryAuthentication:
		return LevelCritical
	case CategoryNetwork, CategoryStorage:
		return LevelHigh
	case CategorySync, CategorySystem, CategoryOffline:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Action is a remedy offered alongside a user-facing error.
type Action struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Notice is the structured, user-facing description of an error.
type Notice struct {
	Category    Category `json:"category"`
	Level       Level    `json:"level"`
	Message     string   `json:"message"`
	Detail      string   `json:"detail,omitempty"`
	Dismissible bool     `json:"dismissible"`
	Actions     []Action `json:"actions"`
}

var friendlyMessages = map[Category]string{
	CategoryOffline:        "This action requires an internet connection.",
	CategoryNetwork:        "Network connection error. Please check your internet connection.",
	CategoryAuthentication: "Authentication failed. Please sign in again.",
	CategoryValidation:     "Please check your input and try again.",
	CategorySync:           "Data synchronization failed. Your changes will be saved locally.",
	CategoryStorage:        "Storage quota exceeded. Please free up some space.",
	CategoryUser:           "Invalid operation. Please check your input.",
	CategorySystem:         "An unexpected error occurred. Please try again.",
}

var categoryActions = map[Category][]Action{
	CategoryOffline: {
		{Label: "Retry", Action: "RETRY_ACTION"},
		{Label: "Work Offline", Action: "ENABLE_OFFLINE_MODE"},
	},
	CategoryNetwork: {
		{Label: "Retry", Action: "RETRY_ACTION"},
		{Label: "Work Offline", Action: "ENABLE_OFFLINE_MODE"},
	},
	CategoryAuthentication: {
		{Label: "Sign In", Action: "NAVIGATE_TO_LOGIN"},
		{Label: "Recover Account", Action: "NAVIGATE_TO_RECOVERY"},
	},
	CategorySync: {
		{Label: "Retry Sync", Action: "FORCE_SYNC"},
		{Label: "View Queue", Action: "SHOW_SYNC_QUEUE"},
	},
	CategoryStorage: {
		{Label: "Clear Cache", Action: "CLEAR_CACHE"},
		{Label: "Export Data", Action: "EXPORT_DATA"},
	},
}

// Describe builds the user-facing notice for err.
func Describe(err error) Notice {
	c := CategoryOf(err)
	if c == "" {
		c = CategorySystem
	}
	level := LevelOf(c)

	actions, ok := categoryActions[c]
	if !ok {
		actions = []Action{{Label: "Dismiss", Action: "DISMISS_ERROR"}}
	}

	n := Notice{
		Category:    c,
		Level:       level,
		Message:     friendlyMessages[c],
		Dismissible: level != LevelCritical,
		Actions:     append([]Action(nil), actions...),
	}
	if err != nil {
		n.Detail = err.Error()
	}
	return n
}
