package store

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Cache buckets
	bucketCache            = []byte("cache")               // cache key -> cacheRecord JSON
	bucketCacheByExpiry    = []byte("cache_by_expiry")     // timestamp+cache key -> cache key
	bucketCacheExpiryByKey = []byte("cache_expiry_by_key") // cache key -> 8-byte timestamp (reverse index for O(1) delete)

	// Sync queue buckets
	bucketSyncQueue  = []byte("sync_queue")  // 8-byte id -> QueueItem JSON
	bucketSyncFailed = []byte("sync_failed") // 8-byte id -> FailedItem JSON

	// Business records: nested bucket per table, record id -> JSON
	bucketRecords = []byte("records")
	// Record bookkeeping: nested bucket per table, record id -> RecordMeta JSON
	bucketRecordMeta = []byte("record_meta")
)

// allBuckets lists every top-level bucket, in creation order.
var allBuckets = [][]byte{
	bucketCache,
	bucketCacheByExpiry,
	bucketCacheExpiryByKey,
	bucketSyncQueue,
	bucketSyncFailed,
	bucketRecords,
	bucketRecordMeta,
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeExpiryKey creates a key for the cache_by_expiry index.
// Format: [8-byte timestamp][cache key]
func makeExpiryKey(expiresAt time.Time, cacheKey []byte) []byte {
	ts := encodeTimestamp(expiresAt)
	key := make([]byte, 8+len(cacheKey))
	copy(key[:8], ts)
	copy(key[8:], cacheKey)
	return key
}

// parseExpiryKey splits a cache_by_expiry key into its timestamp and cache key.
func parseExpiryKey(data []byte) (expiresAt time.Time, cacheKey []byte) {
	if len(data) < 8 {
		return time.Time{}, nil
	}
	return decodeTimestamp(data[:8]), data[8:]
}

// itob encodes a queue id as a big-endian key so cursor order matches id order.
func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// btoi decodes a big-endian queue id key.
func btoi(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
