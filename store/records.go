package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var errEmptyRecordRef = errors.New("table and id are required")

// PutRecord upserts a record into table, creating the table on first use.
// Every local write leaves the record pending until its queue items are
// confirmed by the remote.
func (b *BoltStore) PutRecord(_ context.Context, table, id string, data json.RawMessage) (bool, error) {
	if table == "" || id == "" {
		return false, errEmptyRecordRef
	}
	if !json.Valid(data) {
		return false, fmt.Errorf("record %s/%s: invalid JSON", table, id)
	}

	now := b.now()
	var created bool
	err := b.update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		if records == nil {
			return fmt.Errorf("records bucket not found")
		}
		bucket, err := records.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return fmt.Errorf("creating table %s: %w", table, err)
		}
		created = bucket.Get([]byte(id)) == nil
		if err := bucket.Put([]byte(id), data); err != nil {
			return err
		}

		meta, err := getRecordMeta(tx, table, id)
		if err != nil || created {
			meta = &RecordMeta{CreatedAt: now}
		}
		meta.UpdatedAt = now
		meta.SyncStatus = SyncPending
		return putRecordMeta(tx, table, id, meta)
	})
	if err != nil {
		return false, wrapErr("put record", err)
	}
	return created, nil
}

// GetRecord returns a copy of the record data.
func (b *BoltStore) GetRecord(_ context.Context, table, id string) (json.RawMessage, error) {
	var data json.RawMessage
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tableBucket(tx, bucketRecords, table)
		if bucket == nil {
			return ErrNotFound
		}
		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		data = make(json.RawMessage, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, wrapErr("get record", err)
	}
	return data, nil
}

// RecordMeta returns the bookkeeping for a record.
func (b *BoltStore) RecordMeta(_ context.Context, table, id string) (*RecordMeta, error) {
	var meta *RecordMeta
	err := b.view(func(tx *bbolt.Tx) error {
		var err error
		meta, err = getRecordMeta(tx, table, id)
		return err
	})
	if err != nil {
		return nil, wrapErr("record meta", err)
	}
	return meta, nil
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (b *BoltStore) DeleteRecord(_ context.Context, table, id string) error {
	err := b.update(func(tx *bbolt.Tx) error {
		if bucket := tableBucket(tx, bucketRecordMeta, table); bucket != nil {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		bucket := tableBucket(tx, bucketRecords, table)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
	return wrapErr("delete record", err)
}

// ListRecords returns every record in table ordered by id.
func (b *BoltStore) ListRecords(_ context.Context, table string) ([]Record, error) {
	var records []Record
	err := b.view(func(tx *bbolt.Tx) error {
		bucket := tableBucket(tx, bucketRecords, table)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			data := make(json.RawMessage, len(v))
			copy(data, v)
			rec := Record{ID: string(k), Data: data}
			if meta, err := getRecordMeta(tx, table, string(k)); err == nil {
				rec.Meta = meta
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, wrapErr("list records", err)
}

// CountRecords returns the number of records in table.
func (b *BoltStore) CountRecords(_ context.Context, table string) (int, error) {
	var n int
	err := b.view(func(tx *bbolt.Tx) error {
		if bucket := tableBucket(tx, bucketRecords, table); bucket != nil {
			n = bucket.Stats().KeyN
		}
		return nil
	})
	return n, wrapErr("count records", err)
}

func tableBucket(tx *bbolt.Tx, parent []byte, table string) *bbolt.Bucket {
	root := tx.Bucket(parent)
	if root == nil || table == "" {
		return nil
	}
	return root.Bucket([]byte(table))
}

func getRecordMeta(tx *bbolt.Tx, table, id string) (*RecordMeta, error) {
	bucket := tableBucket(tx, bucketRecordMeta, table)
	if bucket == nil {
		return nil, ErrNotFound
	}
	val := bucket.Get([]byte(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var meta RecordMeta
	if err := json.Unmarshal(val, &meta); err != nil {
		return nil, fmt.Errorf("unmarshaling record meta: %w", err)
	}
	return &meta, nil
}

func putRecordMeta(tx *bbolt.Tx, table, id string, meta *RecordMeta) error {
	root := tx.Bucket(bucketRecordMeta)
	if root == nil {
		return fmt.Errorf("record meta bucket not found")
	}
	bucket, err := root.CreateBucketIfNotExists([]byte(table))
	if err != nil {
		return fmt.Errorf("creating meta table %s: %w", table, err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling record meta: %w", err)
	}
	return bucket.Put([]byte(id), data)
}

// markRecord moves a record to status. Records without bookkeeping, such as
// deleted ones, are left alone.
func markRecord(tx *bbolt.Tx, table, id string, status SyncStatus, now time.Time) error {
	if table == "" || id == "" {
		return nil
	}
	meta, err := getRecordMeta(tx, table, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	meta.SyncStatus = status
	if status == SyncSynced {
		meta.SyncedAt = now
	}
	return putRecordMeta(tx, table, id, meta)
}

// queuedFor reports whether any pending queue item targets the record.
func queuedFor(queue *bbolt.Bucket, table, id string) bool {
	found := false
	_ = queue.ForEach(func(_, v []byte) error {
		var ref struct {
			Table    string `json:"table"`
			RecordID string `json:"record_id"`
		}
		if json.Unmarshal(v, &ref) == nil && ref.Table == table && ref.RecordID == id {
			found = true
			return errStopIteration
		}
		return nil
	})
	return found
}

var errStopIteration = errors.New("stop iteration")
