package service

import (
	"encoding/binary"
	"errors"

	"github.com/dedis/bestoffer/identity"
	bbolt "go.etcd.io/bbolt"
)

// nonceStore keeps the highest nonce accepted from every signer, in memory
// and in a bbolt bucket of the node so that a restart doesn't reopen old
// requests to replay.
type nonceStore struct {
	db     *bbolt.DB
	bucket []byte
	last   map[identity.Identity]uint64
}

func loadNonces(db *bbolt.DB, bucket []byte) (*nonceStore, error) {
	ns := &nonceStore{db: db, bucket: bucket, last: make(map[identity.Identity]uint64)}
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return errors.New("nonce bucket missing")
		}
		return b.ForEach(func(k, v []byte) error {
			id, err := identity.FromBytes(k)
			if err != nil {
				return err
			}
			if len(v) != 8 {
				return errors.New("corrupted nonce of " + id.String())
			}
			ns.last[id] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// advance records nonce for signer if it is above the last one. The caller
// holds the service lock.
func (ns *nonceStore) advance(signer identity.Identity, nonce uint64) error {
	if nonce <= ns.last[signer] {
		return errNonceUsed
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	err := ns.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ns.bucket)
		if b == nil {
			return errors.New("nonce bucket missing")
		}
		return b.Put(signer[:], buf[:])
	})
	if err != nil {
		return err
	}
	ns.last[signer] = nonce
	return nil
}

var errNonceUsed = errors.New("nonce already used")
