package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// BoltBackend keeps every record under its id in a single bbolt file.
type BoltBackend struct {
	path string
	db   *bolt.DB
}

func NewBoltBackend(path string) *BoltBackend {
	return &BoltBackend{path: path}
}

func (b *BoltBackend) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create records bucket: %w", err)
	}
	b.db = db
	return nil
}

func (b *BoltBackend) Load(ctx context.Context, visit func(RawRecord) bool) error {
	if b.db == nil {
		return ErrNotInitialized
	}
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw := RawRecord{Source: string(k)}
			var p persistedRecord
			if err := json.Unmarshal(v, &p); err != nil {
				raw.Err = err
			} else {
				raw = p.raw(string(k))
			}
			if !visit(raw) {
				return nil
			}
		}
		return nil
	})
}

func (b *BoltBackend) Exists(_ context.Context, id string) (bool, error) {
	if b.db == nil {
		return false, ErrNotInitialized
	}
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(recordsBucket).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (b *BoltBackend) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db == nil {
		return ErrNotInitialized
	}
	data, err := json.Marshal(persistedRecord{ID: rec.ID, Vector: rec.Vector, Metadata: &rec.Metadata})
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec.ID), data)
	})
}

func (b *BoltBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.db == nil {
		return ErrNotInitialized
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(id))
	})
}

func (b *BoltBackend) Clear(_ context.Context) error {
	if b.db == nil {
		return ErrNotInitialized
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(recordsBucket)
		return err
	})
}

func (b *BoltBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
