package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var hashBucket = []byte("hash_index")

// HashIndex maps a block's SHA-256 content hash to the physical block
// number that currently holds that content, the structure COMMIT consults
// to deduplicate identical blocks across files and tags. It is backed by
// bbolt the same way the platform's original cluster-state store used it:
// a single bucket, opened once, mutated through db.Update and read through
// db.View.
type HashIndex struct {
	db *bbolt.DB
}

// OpenHashIndex opens (creating if necessary) the bbolt-backed dedup index
// at path.
func OpenHashIndex(path string) (*HashIndex, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open hash index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hashBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &HashIndex{db: db}, nil
}

func (h *HashIndex) Close() error {
	return h.db.Close()
}

// Lookup returns the physical block number previously committed under
// hash, if any.
func (h *HashIndex) Lookup(hash [32]byte) (uint32, bool, error) {
	var (
		n     uint32
		found bool
	)
	err := h.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(hashBucket).Get(hash[:])
		if v == nil {
			return nil
		}
		n = binary.BigEndian.Uint32(v)
		found = true
		return nil
	})
	return n, found, err
}

// Put records that hash's canonical copy now lives at physical block n.
func (h *HashIndex) Put(hash [32]byte, n uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(hashBucket).Put(hash[:], buf)
	})
}

// Delete removes hash's entry, used when its canonical block is freed.
func (h *HashIndex) Delete(hash [32]byte) error {
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(hashBucket).Delete(hash[:])
	})
}
