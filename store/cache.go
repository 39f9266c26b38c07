package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"go.etcd.io/bbolt"
)

func cacheKey(namespace, key string) []byte {
	k := offlineengine.CacheKey(namespace, key)
	return k[:]
}

func unmarshalCacheRecord(data []byte) (*cacheRecord, error) {
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling cache record: %w", err)
	}
	return &rec, nil
}

// GetCache retrieves a live cache entry. An expired entry is deleted on read
// and reported as ErrNotFound.
func (b *BoltStore) GetCache(ctx context.Context, namespace, key string) (*CacheEntry, error) {
	var entry *CacheEntry
	ck := cacheKey(namespace, key)
	now := b.now()

	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get(ck)
		if val == nil {
			return ErrNotFound
		}
		rec, err := unmarshalCacheRecord(val)
		if err != nil {
			return err
		}

		entry = &CacheEntry{
			Namespace:  rec.Namespace,
			Key:        rec.Key,
			Digest:     rec.Digest,
			Size:       rec.Size,
			StoredSize: int64(len(rec.Data)),
			InsertedAt: rec.InsertedAt,
			ExpiresAt:  rec.ExpiresAt,
		}
		if !entry.Live(now) {
			return nil
		}

		entry.Payload, err = b.codec.Decode(rec.Data, rec.Encoding, rec.Digest, rec.Size)
		return err
	})
	if err != nil {
		return nil, wrapErr("get cache", err)
	}

	if !entry.Live(now) {
		short := offlineengine.CacheKey(namespace, key).ShortString()
		b.logger.Debug("purging expired cache entry", "namespace", namespace, "key", key, "cache_key", short)
		if err := b.DeleteCache(ctx, namespace, key); err != nil {
			b.logger.Warn("failed to purge expired cache entry", "namespace", namespace, "key", key, "cache_key", short, "error", err)
		}
		return nil, ErrNotFound
	}
	return entry, nil
}

// PutCache stores a payload with TTL. A ttl <= 0 stores the entry without expiry.
func (b *BoltStore) PutCache(_ context.Context, namespace, key string, payload []byte, ttl time.Duration) error {
	now := b.now()
	rec := cacheRecord{
		Namespace:  namespace,
		Key:        key,
		Size:       int64(len(payload)),
		InsertedAt: now,
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}

	ck := cacheKey(namespace, key)
	err := b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return fmt.Errorf("cache bucket not found")
		}

		var err error
		rec.Data, rec.Encoding, rec.Digest, err = b.codec.Encode(payload)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshaling cache record: %w", err)
		}

		if err := bucket.Put(ck, raw); err != nil {
			return fmt.Errorf("putting cache entry: %w", err)
		}
		return updateCacheExpiryIndex(tx, ck, rec.ExpiresAt)
	})
	return wrapErr("put cache", err)
}

// updateCacheExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is zero, only deletes existing index entries.
func updateCacheExpiryIndex(tx *bbolt.Tx, ck []byte, expiresAt time.Time) error {
	expiryBucket := tx.Bucket(bucketCacheByExpiry)
	reverseIndexBucket := tx.Bucket(bucketCacheExpiryByKey)
	if expiryBucket == nil || reverseIndexBucket == nil {
		return nil
	}

	// Delete old forward index entry via reverse index lookup (O(1)), then the reverse entry
	if tsBytes := reverseIndexBucket.Get(ck); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, ck)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(ck); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if !expiresAt.IsZero() {
		if err := expiryBucket.Put(makeExpiryKey(expiresAt, ck), ck); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(ck, encodeTimestamp(expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// DeleteCache removes a cache entry and its index entries.
func (b *BoltStore) DeleteCache(_ context.Context, namespace, key string) error {
	ck := cacheKey(namespace, key)
	err := b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return nil
		}
		if err := updateCacheExpiryIndex(tx, ck, time.Time{}); err != nil {
			return err
		}
		return bucket.Delete(ck)
	})
	return wrapErr("delete cache", err)
}

// ExpiredCache returns cache entries that expired before the given time.
func (b *BoltStore) ExpiredCache(_ context.Context, before time.Time, limit int) ([]CacheRef, error) {
	var refs []CacheRef
	beforeTs := encodeTimestamp(before)

	err := b.view(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketCacheByExpiry)
		if expiryBucket == nil {
			return nil
		}
		bucket := tx.Bucket(bucketCache)

		cursor := expiryBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}
			if limit > 0 && len(refs) >= limit {
				break
			}

			expiresAt, _ := parseExpiryKey(k)
			ref := CacheRef{ExpiresAt: expiresAt, ck: append([]byte(nil), v...)}
			if bucket != nil {
				if data := bucket.Get(v); data != nil {
					if rec, err := unmarshalCacheRecord(data); err == nil {
						ref.Namespace = rec.Namespace
						ref.Key = rec.Key
						ref.Size = rec.Size
					}
				}
			}
			refs = append(refs, ref)
		}
		return nil
	})
	return refs, wrapErr("expired cache", err)
}

// DeleteCacheEntries batch-deletes cache entries in a single transaction.
func (b *BoltStore) DeleteCacheEntries(_ context.Context, refs []CacheRef) error {
	if len(refs) == 0 {
		return nil
	}

	err := b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		for _, ref := range refs {
			ck := ref.ck
			if ck == nil {
				ck = cacheKey(ref.Namespace, ref.Key)
			}
			if err := updateCacheExpiryIndex(tx, ck, time.Time{}); err != nil {
				b.logger.Warn("failed to remove cache expiry index",
					"namespace", ref.Namespace,
					"key", ref.Key,
					"error", err)
			}
			if bucket != nil {
				_ = bucket.Delete(ck)
			}
		}
		return nil
	})
	return wrapErr("delete cache entries", err)
}

// CacheSize returns the number of cache entries and their total uncompressed size.
func (b *BoltStore) CacheSize(_ context.Context) (int, int64, error) {
	var (
		count int
		total int64
	)
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			rec, err := unmarshalCacheRecord(v)
			if err != nil {
				return nil // Skip invalid entries
			}
			count++
			total += rec.Size
			return nil
		})
	})
	return count, total, wrapErr("cache size", err)
}

// OldestCache returns cache entries ordered by insertion time, oldest first.
func (b *BoltStore) OldestCache(_ context.Context, limit int) ([]CacheRef, error) {
	type aged struct {
		ref        CacheRef
		insertedAt time.Time
	}
	var all []aged

	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCache)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			rec, err := unmarshalCacheRecord(v)
			if err != nil {
				return nil // Skip invalid entries
			}
			all = append(all, aged{
				ref: CacheRef{
					Namespace: rec.Namespace,
					Key:       rec.Key,
					ExpiresAt: rec.ExpiresAt,
					Size:      rec.Size,
					ck:        append([]byte(nil), k...),
				},
				insertedAt: rec.InsertedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("oldest cache", err)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].insertedAt.Before(all[j].insertedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	refs := make([]CacheRef, len(all))
	for i, a := range all {
		refs[i] = a.ref
	}
	return refs, nil
}
