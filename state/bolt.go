package state

import (
	"context"
	"errors"

	"github.com/dedis/bestoffer/address"
	bbolt "go.etcd.io/bbolt"
)

// BoltStore keeps records in one bucket of a bbolt database. Every batch is
// committed in a single read-write transaction.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// NewBoltStore uses bucket in db, creating it if needed.
func NewBoltStore(db *bbolt.DB, bucket []byte) (*BoltStore, error) {
	if db == nil {
		return nil, errors.New("nil bolt database")
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, bucket: append([]byte{}, bucket...)}, nil
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, key address.ID) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key.Slice())
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the lifetime of the transaction
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

// Apply implements Store.
func (s *BoltStore) Apply(ctx context.Context, batch *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errors.New("bestoffer bucket missing")
		}
		err := batch.Check(func(key address.ID) (bool, error) {
			return b.Get(key.Slice()) != nil, nil
		})
		if err != nil {
			return err
		}
		for _, w := range batch.Writes() {
			if err := b.Put(w.Key.Slice(), w.Value); err != nil {
				return err
			}
		}
		return nil
	})
}
