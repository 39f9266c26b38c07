package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	offlineengine "github.com/wolfeidau/offline-engine"
	"go.etcd.io/bbolt"
)

// BoltStore implements CacheStore, QueueStore and RecordStore using bbolt.
type BoltStore struct {
	mu     sync.RWMutex // guards db and codec against Close
	db     *bbolt.DB
	path   string
	codec  *PayloadCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

var (
	_ CacheStore  = (*BoltStore)(nil)
	_ QueueStore  = (*BoltStore)(nil)
	_ RecordStore = (*BoltStore)(nil)
)

// Option configures a BoltStore instance.
type Option func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *BoltStore) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// New creates a BoltStore with options. Call Open before use.
func New(opts ...Option) *BoltStore {
	b := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path, creating every bucket.
// Opening an already-open store is a no-op.
func (b *BoltStore) Open(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return nil
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return offlineengine.NewStorageError("open", err)
	}

	if err := createBuckets(db); err != nil {
		_ = db.Close()
		return offlineengine.NewStorageError("open", err)
	}

	codec, err := NewPayloadCodec()
	if err != nil {
		_ = db.Close()
		return offlineengine.NewStorageError("open", err)
	}

	b.db = db
	b.path = path
	b.codec = codec

	b.logger.Debug("opened store", "path", path, "noSync", b.noSync)
	return nil
}

func createBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
// In-flight transactions finish first.
func (b *BoltStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing store")
	err := b.db.Close()
	b.db = nil
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	return offlineengine.NewStorageError("close", err)
}

// Path returns the database file path.
func (b *BoltStore) Path() string {
	return b.path
}

// Clear empties every bucket. Buckets are emptied in place rather than
// recreated so the queue id sequence survives and ids are never reused.
func (b *BoltStore) Clear(_ context.Context) error {
	err := b.update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			bucket, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
			if err := emptyBucket(bucket); err != nil {
				return fmt.Errorf("clearing bucket %s: %w", name, err)
			}
		}
		return nil
	})
	return wrapErr("clear", err)
}

// emptyBucket deletes every key and nested bucket in bucket.
func emptyBucket(bucket *bbolt.Bucket) error {
	if bucket == nil {
		return nil
	}
	var keys, nested [][]byte
	err := bucket.ForEach(func(k, v []byte) error {
		k = append([]byte(nil), k...)
		if v == nil {
			nested = append(nested, k)
		} else {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range nested {
		if err := bucket.DeleteBucket(k); err != nil {
			return err
		}
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarises the store contents.
func (b *BoltStore) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{Records: make(map[string]int)}
	err := b.view(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(bucketCache); bucket != nil {
			err := bucket.ForEach(func(_, v []byte) error {
				rec, err := unmarshalCacheRecord(v)
				if err != nil {
					return nil // Skip invalid entries
				}
				stats.CacheEntries++
				stats.CacheBytes += rec.Size
				return nil
			})
			if err != nil {
				return err
			}
		}
		if bucket := tx.Bucket(bucketSyncQueue); bucket != nil {
			stats.QueueLength = bucket.Stats().KeyN
		}
		if bucket := tx.Bucket(bucketSyncFailed); bucket != nil {
			stats.FailedItems = bucket.Stats().KeyN
		}
		if bucket := tx.Bucket(bucketRecords); bucket != nil {
			err := bucket.ForEachBucket(func(name []byte) error {
				stats.Records[string(name)] = bucket.Bucket(name).Stats().KeyN
				return nil
			})
			if err != nil {
				return err
			}
		}
		stats.FileSize = tx.Size()
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil, err
	}
	if err != nil {
		return nil, wrapErr("stats", err)
	}
	if fi, err := os.Stat(b.path); err == nil {
		stats.FileSize = fi.Size()
	}
	return stats, nil
}

// wrapErr converts a bbolt failure into a StorageError. ErrNotFound and
// ErrClosed pass through untouched so callers can match them directly.
func wrapErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) {
		return err
	}
	return offlineengine.NewStorageError(op, err)
}

func (b *BoltStore) view(fn func(tx *bbolt.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return ErrClosed
	}
	return b.db.View(fn)
}

func (b *BoltStore) update(fn func(tx *bbolt.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return ErrClosed
	}
	return b.db.Update(fn)
}
