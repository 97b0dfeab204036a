// Package vault stores a single long-lived secret, encrypted at rest under
// a non-exportable master key. When the platform cannot durably store key
// material, the vault degrades to holding the secret in process memory for
// the session (fallback mode) rather than failing.
package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/leafmark/leafmark/internal/crypto"
	"github.com/leafmark/leafmark/internal/keystore"
)

// ErrNotInitialized is returned when an operation is invoked before
// Initialize. This is a usage bug, not an environmental condition.
var ErrNotInitialized = errors.New("vault is not initialized")

const (
	keyDBName      = "vault.db"
	legacyFileName = "secret.key"
)

// Vault guards the one secret the application holds.
type Vault struct {
	dataDir string
	logger  *zap.Logger

	initOnce sync.Once

	mu          sync.Mutex
	initialized bool
	fallback    bool
	store       keystore.Store
	key         *keystore.KeyHandle

	// fallback-mode state, process memory only
	memSecret    string
	hasMemSecret bool
}

// New creates an uninitialized vault rooted at dataDir.
func New(dataDir string, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{dataDir: dataDir, logger: logger}
}

// Initialize prepares the vault for use. It is idempotent and safe to call
// concurrently; all callers share one in-flight initialization. It never
// fails: any environmental error flips the vault into fallback mode.
func (v *Vault) Initialize(ctx context.Context) {
	v.initOnce.Do(func() {
		v.initialize(ctx)
	})
}

func (v *Vault) initialize(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	store, key := v.openKeyStore()

	v.store = store
	v.key = key
	v.initialized = true

	v.migrateLegacySecret(ctx)
}

// openKeyStore probes the platform and opens the durable key store, or
// degrades to an in-memory store. Returns the store and the loaded handle.
func (v *Vault) openKeyStore() (keystore.Store, *keystore.KeyHandle) {
	if err := os.MkdirAll(v.dataDir, 0o700); err != nil {
		v.logger.Warn("vault: cannot create data directory, entering fallback mode",
			zap.String("dir", v.dataDir), zap.Error(err))
		return v.enterFallback()
	}

	if err := keystore.Probe(v.dataDir); err != nil {
		v.logger.Warn("vault: durable key storage unsupported, entering fallback mode",
			zap.Error(err))
		return v.enterFallback()
	}

	store, err := keystore.OpenDurable(filepath.Join(v.dataDir, keyDBName))
	if err != nil {
		v.logger.Warn("vault: failed to open key store, entering fallback mode",
			zap.Error(err))
		return v.enterFallback()
	}

	key, err := store.LoadOrGenerate()
	if err != nil {
		v.logger.Warn("vault: failed to load master key, entering fallback mode",
			zap.Error(err))
		store.Close()
		return v.enterFallback()
	}

	return store, key
}

func (v *Vault) enterFallback() (keystore.Store, *keystore.KeyHandle) {
	v.fallback = true
	store := keystore.NewMemoryStore()
	key, err := store.LoadOrGenerate()
	if err != nil {
		// Random generation failing means no encryption is possible at
		// all; the memory store still holds plaintext for the session.
		v.logger.Warn("vault: in-memory key generation failed", zap.Error(err))
		return store, nil
	}
	return store, key
}

// migrateLegacySecret adopts a plaintext secret left behind by earlier
// releases and erases the legacy location. Called with v.mu held.
func (v *Vault) migrateLegacySecret(ctx context.Context) {
	legacyPath := filepath.Join(v.dataDir, legacyFileName)

	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			v.logger.Warn("vault: legacy secret unreadable, skipping migration",
				zap.Error(err))
		}
		return
	}

	secret := string(data)
	if err := v.storeLocked(ctx, secret); err != nil {
		v.logger.Warn("vault: legacy secret migration failed", zap.Error(err))
		return
	}
	crypto.ZeroizeString(&secret)
	crypto.Zeroize(data)

	if err := os.Remove(legacyPath); err != nil {
		v.logger.Warn("vault: failed to erase legacy secret file", zap.Error(err))
		return
	}

	v.logger.Info("vault: migrated legacy plaintext secret")
}

// Store encrypts and persists the secret, replacing any prior one. In
// fallback mode the secret is held in memory for the session. The only
// error returned is ErrNotInitialized.
func (v *Vault) Store(ctx context.Context, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return ErrNotInitialized
	}
	return v.storeLocked(ctx, secret)
}

func (v *Vault) storeLocked(_ context.Context, secret string) error {
	if v.fallback || v.key == nil {
		v.memSecret = secret
		v.hasMemSecret = true
		return nil
	}

	sealed, err := v.key.Seal([]byte(secret))
	if err != nil {
		v.logger.Warn("vault: seal failed, holding secret in memory", zap.Error(err))
		v.memSecret = secret
		v.hasMemSecret = true
		return nil
	}

	if err := v.store.PutSecret(sealed); err != nil {
		v.logger.Warn("vault: persist failed, holding secret in memory", zap.Error(err))
		v.memSecret = secret
		v.hasMemSecret = true
		return nil
	}

	// A durable write supersedes any session-only copy.
	crypto.ZeroizeString(&v.memSecret)
	v.hasMemSecret = false
	return nil
}

// Retrieve returns the stored secret, or ok=false when nothing is stored.
// Decryption failure (corrupted record, key mismatch) reads as absent and
// is logged, never surfaced. The only error returned is ErrNotInitialized.
func (v *Vault) Retrieve(_ context.Context) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return "", false, ErrNotInitialized
	}

	if v.hasMemSecret {
		return v.memSecret, true, nil
	}
	if v.key == nil {
		return "", false, nil
	}

	sealed, err := v.store.GetSecret()
	if err != nil {
		if !errors.Is(err, keystore.ErrNoSecret) {
			v.logger.Warn("vault: secret record unreadable, treating as absent",
				zap.Error(err))
		}
		return "", false, nil
	}

	plain, err := v.key.Open(sealed)
	if err != nil {
		v.logger.Warn("vault: secret decryption failed, treating as absent",
			zap.Error(err))
		return "", false, nil
	}

	secret := string(plain)
	crypto.Zeroize(plain)
	return secret, true, nil
}

// Remove deletes the stored secret. The only error returned is
// ErrNotInitialized.
func (v *Vault) Remove(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return ErrNotInitialized
	}

	crypto.ZeroizeString(&v.memSecret)
	v.hasMemSecret = false

	if err := v.store.DeleteSecret(); err != nil && !errors.Is(err, keystore.ErrNoSecret) {
		v.logger.Warn("vault: failed to delete secret record", zap.Error(err))
	}
	return nil
}

// HasSecret reports whether Retrieve would return a value.
func (v *Vault) HasSecret(ctx context.Context) bool {
	_, ok, err := v.Retrieve(ctx)
	return err == nil && ok
}

// IsFallbackMode reports whether the secret is held only in process memory.
// The UI layer surfaces this as "your secret will not survive a restart".
func (v *Vault) IsFallbackMode() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fallback
}

// Close releases the underlying key store.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return nil
	}

	crypto.ZeroizeString(&v.memSecret)
	v.hasMemSecret = false
	if v.key != nil {
		v.key.Destroy()
		v.key = nil
	}

	err := v.store.Close()
	v.initialized = false
	return err
}
