package store

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// UnlockStatus reports the outcome of an Unlock call.
type UnlockStatus int

const (
	UnlockOK UnlockStatus = iota
	UnlockFree
	UnlockMismatch
)

// LockTry attempts to acquire key with secret in a single write
// transaction: it succeeds if key is unheld, or if it is already held
// with the same secret (reentrant acquisition from the same holder).
func (b *Backend) LockTry(key []byte, secret [16]byte) (bool, error) {
	var acquired bool
	err := b.lockDB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(lockBucketName))
		existing := bucket.Get(key)
		if existing == nil {
			acquired = true
			return bucket.Put(key, secret[:])
		}
		acquired = bytes.Equal(existing, secret[:])
		return nil
	})
	return acquired, err
}

// Unlock releases key if it is held with secret.
func (b *Backend) Unlock(key []byte, secret [16]byte) (UnlockStatus, error) {
	var status UnlockStatus
	err := b.lockDB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(lockBucketName))
		existing := bucket.Get(key)
		switch {
		case existing == nil:
			status = UnlockFree
			return nil
		case !bytes.Equal(existing, secret[:]):
			status = UnlockMismatch
			return nil
		default:
			status = UnlockOK
			return bucket.Delete(key)
		}
	})
	return status, err
}
