package store

import (
	"encoding/json"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
)

// Encoding identifies how a cache payload is stored on disk.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// CacheEntry is a cached payload keyed by (namespace, key).
type CacheEntry struct {
	Namespace  string    `json:"namespace"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"-"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	InsertedAt time.Time `json:"inserted_at"`
	// ExpiresAt is zero for entries stored without a TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the entry is still fresh at now.
func (e *CacheEntry) Live(now time.Time) bool {
	return e.ExpiresAt.IsZero() || !now.After(e.ExpiresAt)
}

// cacheRecord is the persisted form of a CacheEntry.
type cacheRecord struct {
	Namespace  string    `json:"namespace"`
	Key        string    `json:"key"`
	Encoding   Encoding  `json:"encoding"`
	Digest     string    `json:"digest"`
	Size       int64     `json:"size"`
	InsertedAt time.Time `json:"inserted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Data       []byte    `json:"data"`
}

// CacheRef identifies a cache entry for batch deletion.
type CacheRef struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
	Size      int64     `json:"size"`

	// ck is the bucket key as found in the index. It is set even when the
	// entry itself is unreadable.
	ck []byte
}

// QueueItem is a pending mutation awaiting remote confirmation.
type QueueItem struct {
	ID             uint64                  `json:"id"`
	Table          string                  `json:"table"`
	Operation      offlineengine.Operation `json:"operation"`
	RecordID       string                  `json:"record_id,omitempty"`
	Payload        json.RawMessage         `json:"payload,omitempty"`
	Priority       int                     `json:"priority"`
	Attempts       int                     `json:"attempts"`
	LastAttempt    time.Time               `json:"last_attempt,omitzero"`
	LastError      string                  `json:"last_error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	IdempotencyKey string                  `json:"idempotency_key"`
}

// FailedItem is a queue item that exhausted its attempts. It is kept for
// manual inspection and can be requeued.
type FailedItem struct {
	QueueItem
	FailedAt time.Time `json:"failed_at"`
}

// SyncStatus tracks whether the latest local change to a record has
// reached the remote.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// RecordMeta is kept beside every business record.
type RecordMeta struct {
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SyncStatus SyncStatus `json:"sync_status"`
	SyncedAt   time.Time  `json:"synced_at,omitzero"`
}

// Record is a business entity row.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	Meta *RecordMeta     `json:"meta,omitempty"`
}

// Stats summarises the store contents.
type Stats struct {
	CacheEntries int            `json:"cache_entries"`
	CacheBytes   int64          `json:"cache_bytes"`
	QueueLength  int            `json:"queue_length"`
	FailedItems  int            `json:"failed_items"`
	Records      map[string]int `json:"records"`
	FileSize     int64          `json:"file_size"`
}
