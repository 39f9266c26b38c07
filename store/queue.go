package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Enqueue stores a new queue item. The id, priority, creation time and
// idempotency key are assigned here; attempts always start at zero.
func (b *BoltStore) Enqueue(_ context.Context, item *QueueItem) (uint64, error) {
	if item == nil {
		return 0, fmt.Errorf("enqueue: nil item")
	}

	item.Priority = item.Operation.Priority()
	item.Attempts = 0
	item.LastError = ""
	if item.CreatedAt.IsZero() {
		item.CreatedAt = b.now()
	}
	if item.IdempotencyKey == "" {
		item.IdempotencyKey = uuid.NewString()
	}

	err := b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSyncQueue)
		if bucket == nil {
			return fmt.Errorf("sync queue bucket not found")
		}

		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating queue id: %w", err)
		}
		item.ID = id

		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling queue item: %w", err)
		}
		return bucket.Put(itob(id), data)
	})
	if err != nil {
		return 0, wrapErr("enqueue", err)
	}

	b.logger.Debug("enqueued sync item",
		"id", item.ID,
		"table", item.Table,
		"operation", item.Operation,
		"priority", item.Priority)
	return item.ID, nil
}

// DueItems returns queued items ordered by priority (descending), then
// creation time (ascending), then id.
func (b *BoltStore) DueItems(_ context.Context, limit int) ([]QueueItem, error) {
	var items []QueueItem
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSyncQueue)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				b.logger.Warn("skipping unreadable queue item", "id", btoi(k), "error", err)
				return nil
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("due items", err)
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, c := items[i], items[j]
		if a.Priority != c.Priority {
			return a.Priority > c.Priority
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return a.ID < c.ID
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// CompleteItem removes a confirmed item from the queue. The record it
// targets is marked synced once no other queued item refers to it.
func (b *BoltStore) CompleteItem(_ context.Context, id uint64) error {
	now := b.now()
	err := b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSyncQueue)
		if bucket == nil {
			return nil
		}
		key := itob(id)
		val := bucket.Get(key)
		if val == nil {
			return nil
		}
		var item QueueItem
		if err := json.Unmarshal(val, &item); err != nil {
			return bucket.Delete(key)
		}
		if err := bucket.Delete(key); err != nil {
			return err
		}
		if queuedFor(bucket, item.Table, item.RecordID) {
			return nil
		}
		return markRecord(tx, item.Table, item.RecordID, SyncSynced, now)
	})
	return wrapErr("complete item", err)
}

// RecordFailure increments the attempt count of the item. When attempts
// reach maxAttempts the item moves to failed storage in the same
// transaction, so it is never visible in both places.
func (b *BoltStore) RecordFailure(_ context.Context, id uint64, cause error, maxAttempts int) (int, bool, error) {
	var (
		attempts int
		moved    bool
	)

	err := b.update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketSyncQueue)
		failed := tx.Bucket(bucketSyncFailed)
		if queue == nil || failed == nil {
			return fmt.Errorf("sync buckets not found")
		}

		key := itob(id)
		val := queue.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var item QueueItem
		if err := json.Unmarshal(val, &item); err != nil {
			return fmt.Errorf("unmarshaling queue item: %w", err)
		}

		now := b.now()
		item.Attempts++
		item.LastAttempt = now
		if cause != nil {
			item.LastError = cause.Error()
		}
		attempts = item.Attempts

		if maxAttempts > 0 && item.Attempts >= maxAttempts {
			data, err := json.Marshal(&FailedItem{QueueItem: item, FailedAt: now})
			if err != nil {
				return fmt.Errorf("marshaling failed item: %w", err)
			}
			if err := failed.Put(key, data); err != nil {
				return fmt.Errorf("putting failed item: %w", err)
			}
			moved = true
			if err := queue.Delete(key); err != nil {
				return err
			}
			return markRecord(tx, item.Table, item.RecordID, SyncFailed, now)
		}

		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshaling queue item: %w", err)
		}
		return queue.Put(key, data)
	})
	if err != nil {
		return 0, false, wrapErr("record failure", err)
	}
	return attempts, moved, nil
}

// QueueLength returns the number of pending items.
func (b *BoltStore) QueueLength(_ context.Context) (int, error) {
	var n int
	err := b.view(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketSyncQueue); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n, wrapErr("queue length", err)
}

// FailedItems returns every permanently failed item, oldest id first.
func (b *BoltStore) FailedItems(_ context.Context) ([]FailedItem, error) {
	var items []FailedItem
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSyncFailed)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var item FailedItem
			if err := json.Unmarshal(v, &item); err != nil {
				b.logger.Warn("skipping unreadable failed item", "id", btoi(k), "error", err)
				return nil
			}
			items = append(items, item)
			return nil
		})
	})
	return items, wrapErr("failed items", err)
}

// RequeueFailed moves a failed item back into the queue with its attempts reset.
func (b *BoltStore) RequeueFailed(_ context.Context, id uint64) error {
	err := b.update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket(bucketSyncQueue)
		failed := tx.Bucket(bucketSyncFailed)
		if queue == nil || failed == nil {
			return fmt.Errorf("sync buckets not found")
		}

		key := itob(id)
		val := failed.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var item FailedItem
		if err := json.Unmarshal(val, &item); err != nil {
			return fmt.Errorf("unmarshaling failed item: %w", err)
		}

		q := item.QueueItem
		q.Attempts = 0
		q.LastError = ""

		data, err := json.Marshal(&q)
		if err != nil {
			return fmt.Errorf("marshaling queue item: %w", err)
		}
		if err := queue.Put(key, data); err != nil {
			return fmt.Errorf("putting queue item: %w", err)
		}
		if err := failed.Delete(key); err != nil {
			return err
		}
		return markRecord(tx, q.Table, q.RecordID, SyncPending, b.now())
	})
	return wrapErr("requeue failed", err)
}

// ClearQueue removes all pending and failed items. The id sequence is kept
// so ids are never reused.
func (b *BoltStore) ClearQueue(_ context.Context) error {
	err := b.update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSyncQueue, bucketSyncFailed} {
			if err := emptyBucket(tx.Bucket(name)); err != nil {
				return fmt.Errorf("clearing %s: %w", name, err)
			}
		}
		return nil
	})
	return wrapErr("clear queue", err)
}
