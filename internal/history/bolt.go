package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/nutriscan/internal/nutrition"
)

const (
	scansBucket     = "scans"
	userScansBucket = "user_scans"
)

// BoltStore implements Store using BoltDB. Scans live in one bucket keyed by
// ID; a nested bucket per user indexes them by timestamp.
type BoltStore struct {
	db  *bbolt.DB
	ids IDGenerator
}

// NewBoltStore opens (or creates) a BoltDB file at path
func NewBoltStore(path string) (*BoltStore, error) {
	return NewBoltStoreWithIDs(path, uuidGenerator{})
}

// NewBoltStoreWithIDs opens a BoltStore with a custom ID generator
func NewBoltStoreWithIDs(path string, ids IDGenerator) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(scansBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(userScansBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db, ids: ids}, nil
}

// indexKey orders a user's scans by timestamp, then ID
func indexKey(timestamp int64, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(timestamp))
	return append(key, id...)
}

// Save stores record for userID
func (b *BoltStore) Save(ctx context.Context, userID string, record nutrition.Record) (string, error) {
	if userID == "" {
		return "", ErrMissingUser
	}
	id := b.ids.Generate()
	doc := newDocument(userID, record)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshaling scan: %w", err)
		}
		if err := tx.Bucket([]byte(scansBucket)).Put([]byte(id), data); err != nil {
			return err
		}
		users, err := tx.Bucket([]byte(userScansBucket)).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}
		return users.Put(indexKey(doc.Timestamp, id), []byte(id))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListForUser walks the user's index backwards so the newest scans come first
func (b *BoltStore) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	limit = listLimit(limit)
	entries := make([]Entry, 0)

	err := b.db.View(func(tx *bbolt.Tx) error {
		users := tx.Bucket([]byte(userScansBucket)).Bucket([]byte(userID))
		if users == nil {
			return nil
		}
		scans := tx.Bucket([]byte(scansBucket))

		c := users.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			doc, err := loadDocument(scans, string(v))
			if err != nil {
				return err
			}
			entries = append(entries, doc.entry(string(v)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Get retrieves a scan by ID
func (b *BoltStore) Get(ctx context.Context, id string) (Entry, error) {
	var entry Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		doc, err := loadDocument(tx.Bucket([]byte(scansBucket)), id)
		if err != nil {
			return err
		}
		entry = doc.entry(id)
		return nil
	})
	return entry, err
}

// Delete removes a scan and its index entry
func (b *BoltStore) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		scans := tx.Bucket([]byte(scansBucket))
		doc, err := loadDocument(scans, id)
		if err != nil {
			return err
		}
		if users := tx.Bucket([]byte(userScansBucket)).Bucket([]byte(doc.UserID)); users != nil {
			if err := users.Delete(indexKey(doc.Timestamp, id)); err != nil {
				return err
			}
		}
		return scans.Delete([]byte(id))
	})
}

// DeleteAllForUser removes the user's scans and their index bucket
func (b *BoltStore) DeleteAllForUser(ctx context.Context, userID string) ([]Entry, error) {
	deleted := make([]Entry, 0)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(userScansBucket))
		users := index.Bucket([]byte(userID))
		if users == nil {
			return nil
		}
		scans := tx.Bucket([]byte(scansBucket))

		err := users.ForEach(func(k, v []byte) error {
			doc, err := loadDocument(scans, string(v))
			if err != nil {
				return err
			}
			deleted = append(deleted, doc.entry(string(v)))
			return scans.Delete(v)
		})
		if err != nil {
			return err
		}
		return index.DeleteBucket([]byte(userID))
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// SetImageKey records the archived image key on a scan
func (b *BoltStore) SetImageKey(ctx context.Context, id, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		scans := tx.Bucket([]byte(scansBucket))
		doc, err := loadDocument(scans, id)
		if err != nil {
			return err
		}
		doc.ImageKey = key
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshaling scan: %w", err)
		}
		return scans.Put([]byte(id), data)
	})
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func loadDocument(scans *bbolt.Bucket, id string) (document, error) {
	var doc document
	data := scans.Get([]byte(id))
	if data == nil {
		return doc, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("unmarshaling scan %s: %w", id, err)
	}
	return doc, nil
}
