// Package store provides the durable local store backing the offline engine:
// cached responses, the pending sync queue, permanently failed items and
// business records, all in a single bbolt file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed is returned when the store is used before Open or after Close.
	ErrClosed = errors.New("store: closed")
)

// CacheStore persists cached payloads with an expiry index.
type CacheStore interface {
	// GetCache returns a live entry. Expired entries are purged and
	// reported as ErrNotFound.
	GetCache(ctx context.Context, namespace, key string) (*CacheEntry, error)

	// PutCache stores payload. A ttl <= 0 stores the entry without expiry.
	PutCache(ctx context.Context, namespace, key string, payload []byte, ttl time.Duration) error

	// DeleteCache removes an entry. Deleting a missing entry is not an error.
	DeleteCache(ctx context.Context, namespace, key string) error

	// ExpiredCache returns up to limit entries that expired before the given time.
	ExpiredCache(ctx context.Context, before time.Time, limit int) ([]CacheRef, error)

	// DeleteCacheEntries batch-deletes entries in a single transaction.
	DeleteCacheEntries(ctx context.Context, refs []CacheRef) error

	// CacheSize returns the number of entries and their total uncompressed size.
	CacheSize(ctx context.Context) (count int, bytes int64, err error)

	// OldestCache returns up to limit entries ordered by insertion time, oldest first.
	OldestCache(ctx context.Context, limit int) ([]CacheRef, error)
}

// QueueStore persists pending mutations and permanently failed ones.
type QueueStore interface {
	// Enqueue assigns an id to item and stores it. Priority is derived from
	// the operation and an idempotency key is generated when missing.
	Enqueue(ctx context.Context, item *QueueItem) (uint64, error)

	// DueItems returns up to limit items ordered by priority (descending)
	// then creation time (ascending). A limit <= 0 returns every item.
	DueItems(ctx context.Context, limit int) ([]QueueItem, error)

	// CompleteItem removes a confirmed item.
	CompleteItem(ctx context.Context, id uint64) error

	// RecordFailure increments the attempt count of an item. Once attempts
	// reach maxAttempts the item is moved to failed storage and moved is true.
	RecordFailure(ctx context.Context, id uint64, cause error, maxAttempts int) (attempts int, moved bool, err error)

	QueueLength(ctx context.Context) (int, error)
	FailedItems(ctx context.Context) ([]FailedItem, error)

	// RequeueFailed moves a failed item back to the queue with zero attempts.
	RequeueFailed(ctx context.Context, id uint64) error

	// ClearQueue removes all pending and failed items.
	ClearQueue(ctx context.Context) error
}

// RecordStore persists business records grouped by table.
type RecordStore interface {
	// PutRecord upserts a record and reports whether it was newly created.
	PutRecord(ctx context.Context, table, id string, data json.RawMessage) (created bool, err error)
	GetRecord(ctx context.Context, table, id string) (json.RawMessage, error)
	DeleteRecord(ctx context.Context, table, id string) error
	// RecordMeta returns the timestamps and sync status of a record.
	RecordMeta(ctx context.Context, table, id string) (*RecordMeta, error)
	ListRecords(ctx context.Context, table string) ([]Record, error)
	CountRecords(ctx context.Context, table string) (int, error)
}
