// Package keystore persists the vault's single long-lived master key and
// the sealed secret record. The key is handed out only as a KeyHandle,
// which can seal and open data but never reveals its raw bytes.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/leafmark/leafmark/internal/crypto"
)

// Bucket names
var (
	MasterKeyBucket = []byte("master_key")
	SecretBucket    = []byte("secret")
)

var (
	// ErrStoreClosed is returned when operating on a closed store
	ErrStoreClosed = errors.New("key store is closed")
	// ErrNoSecret is returned when no sealed secret record is stored
	ErrNoSecret = errors.New("no secret record stored")
	// ErrCorruptedKey is returned when the persisted key material is unusable
	ErrCorruptedKey = errors.New("persisted key material is corrupted")
)

const (
	masterKeyRecord = "v1"
	secretRecord    = "current"
)

// KeyHandle is an opaque, non-exportable handle to the master key. Callers
// can only ask it to seal or open data; the raw bytes stay inside the
// package.
type KeyHandle struct {
	key []byte
}

func newKeyHandle(raw []byte) *KeyHandle {
	key := make([]byte, len(raw))
	copy(key, raw)
	return &KeyHandle{key: key}
}

// Seal encrypts plaintext under the handle's key with a fresh nonce.
func (h *KeyHandle) Seal(plaintext []byte) (*crypto.SealedRecord, error) {
	return crypto.Seal(h.key, plaintext)
}

// Open decrypts a sealed record under the handle's key.
func (h *KeyHandle) Open(rec *crypto.SealedRecord) ([]byte, error) {
	return crypto.Open(h.key, rec)
}

// Destroy zeroizes the key material. The handle is unusable afterwards.
func (h *KeyHandle) Destroy() {
	crypto.Zeroize(h.key)
	h.key = nil
}

// Store is the contract the vault needs: one master key, one secret record.
type Store interface {
	// LoadOrGenerate returns the persisted master key handle, generating
	// and persisting a fresh key on first use.
	LoadOrGenerate() (*KeyHandle, error)

	// PutSecret persists the sealed secret record, replacing any prior one.
	PutSecret(rec *crypto.SealedRecord) error

	// GetSecret returns the current sealed secret record, or ErrNoSecret.
	GetSecret() (*crypto.SealedRecord, error)

	// DeleteSecret removes the sealed secret record if present.
	DeleteSecret() error

	// Close releases resources.
	Close() error
}

// DurableStore keeps the master key and secret record in a bbolt database
// with 0600 permissions.
type DurableStore struct {
	db   *bbolt.DB
	path string
}

// OpenDurable opens (or creates) the key database at path.
func OpenDurable(path string) (*DurableStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(MasterKeyBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(SecretBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize key store buckets: %w", err)
	}

	return &DurableStore{db: db, path: path}, nil
}

// LoadOrGenerate returns the persisted master key, generating one on first
// use. The raw key bytes are zeroized before returning; only the handle
// retains them.
func (ds *DurableStore) LoadOrGenerate() (*KeyHandle, error) {
	if ds.db == nil {
		return nil, ErrStoreClosed
	}

	var handle *KeyHandle
	err := ds.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(MasterKeyBucket)
		if bucket == nil {
			return ErrCorruptedKey
		}

		if raw := bucket.Get([]byte(masterKeyRecord)); raw != nil {
			if len(raw) != crypto.KeySize {
				return ErrCorruptedKey
			}
			handle = newKeyHandle(raw)
			return nil
		}

		raw, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		defer crypto.Zeroize(raw)

		// bbolt keeps a reference to the value until the transaction
		// commits, which happens after this closure (and its defers)
		// returns; hand it a copy so the deferred zeroize of raw does
		// not wipe the pending write.
		persisted := make([]byte, len(raw))
		copy(persisted, raw)
		if err := bucket.Put([]byte(masterKeyRecord), persisted); err != nil {
			return fmt.Errorf("failed to persist master key: %w", err)
		}
		handle = newKeyHandle(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// PutSecret persists the sealed secret record, replacing any prior one.
func (ds *DurableStore) PutSecret(rec *crypto.SealedRecord) error {
	if ds.db == nil {
		return ErrStoreClosed
	}

	return ds.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(SecretBucket)
		if bucket == nil {
			return ErrCorruptedKey
		}
		return bucket.Put([]byte(secretRecord), crypto.RecordToBytes(rec))
	})
}

// GetSecret returns the stored sealed secret record.
func (ds *DurableStore) GetSecret() (*crypto.SealedRecord, error) {
	if ds.db == nil {
		return nil, ErrStoreClosed
	}

	var rec *crypto.SealedRecord
	err := ds.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(SecretBucket)
		if bucket == nil {
			return ErrCorruptedKey
		}

		data := bucket.Get([]byte(secretRecord))
		if data == nil {
			return ErrNoSecret
		}

		var err error
		rec, err = crypto.RecordFromBytes(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteSecret removes the sealed secret record if present.
func (ds *DurableStore) DeleteSecret() error {
	if ds.db == nil {
		return ErrStoreClosed
	}

	return ds.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(SecretBucket)
		if bucket == nil {
			return ErrCorruptedKey
		}
		return bucket.Delete([]byte(secretRecord))
	})
}

// Close closes the underlying database.
func (ds *DurableStore) Close() error {
	if ds.db == nil {
		return nil
	}
	err := ds.db.Close()
	ds.db = nil
	return err
}

// MemoryStore holds the key and secret in process memory only. Used when
// the platform cannot durably store key material; nothing survives a
// restart.
type MemoryStore struct {
	handle *KeyHandle
	secret *crypto.SealedRecord
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (ms *MemoryStore) LoadOrGenerate() (*KeyHandle, error) {
	if ms.handle != nil {
		return ms.handle, nil
	}

	raw, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(raw)

	ms.handle = newKeyHandle(raw)
	return ms.handle, nil
}

func (ms *MemoryStore) PutSecret(rec *crypto.SealedRecord) error {
	ms.secret = rec
	return nil
}

func (ms *MemoryStore) GetSecret() (*crypto.SealedRecord, error) {
	if ms.secret == nil {
		return nil, ErrNoSecret
	}
	return ms.secret, nil
}

func (ms *MemoryStore) DeleteSecret() error {
	ms.secret = nil
	return nil
}

func (ms *MemoryStore) Close() error {
	if ms.handle != nil {
		ms.handle.Destroy()
		ms.handle = nil
	}
	ms.secret = nil
	return nil
}

// Probe checks whether the host can durably store key material by running a
// full round-trip against a throwaway database in dir: generate a key,
// persist it, reopen the store, and read it back. Any failure means durable
// non-exportable key storage is unsupported here. The throwaway file is
// removed afterwards.
func Probe(dir string) error {
	path := filepath.Join(dir, ".keystore-probe.db")
	defer os.Remove(path)

	probe, err := OpenDurable(path)
	if err != nil {
		return fmt.Errorf("probe open: %w", err)
	}

	handle, err := probe.LoadOrGenerate()
	if err != nil {
		probe.Close()
		return fmt.Errorf("probe generate: %w", err)
	}

	marker := []byte("leafmark-keystore-probe")
	sealed, err := handle.Seal(marker)
	if err != nil {
		probe.Close()
		return fmt.Errorf("probe seal: %w", err)
	}

	if err := probe.Close(); err != nil {
		return fmt.Errorf("probe close: %w", err)
	}

	reopened, err := OpenDurable(path)
	if err != nil {
		return fmt.Errorf("probe reopen: %w", err)
	}
	defer reopened.Close()

	restored, err := reopened.LoadOrGenerate()
	if err != nil {
		return fmt.Errorf("probe reload: %w", err)
	}

	plain, err := restored.Open(sealed)
	if err != nil {
		return fmt.Errorf("probe round-trip: %w", err)
	}
	if !bytes.Equal(plain, marker) {
		return errors.New("probe round-trip: key mismatch after reload")
	}

	return nil
}
