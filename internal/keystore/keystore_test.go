package keystore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leafmark/leafmark/internal/crypto"
)

func TestDurableStore_KeySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	ds, err := OpenDurable(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	handle, err := ds.LoadOrGenerate()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	sealed, err := handle.Seal([]byte("marker"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if err := ds.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}

	// Reopening must yield the same key, decrypting the earlier record.
	ds2, err := OpenDurable(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer ds2.Close()

	handle2, err := ds2.LoadOrGenerate()
	if err != nil {
		t.Fatalf("Failed to reload key: %v", err)
	}

	plain, err := handle2.Open(sealed)
	if err != nil {
		t.Fatalf("Failed to open record with reloaded key: %v", err)
	}
	if string(plain) != "marker" {
		t.Errorf("Got %q, want %q", plain, "marker")
	}
}

func TestDurableStore_SecretLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	ds, err := OpenDurable(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer ds.Close()

	if _, err := ds.GetSecret(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Empty store: got %v, want ErrNoSecret", err)
	}

	handle, err := ds.LoadOrGenerate()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	sealed, err := handle.Seal([]byte("api-key"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if err := ds.PutSecret(sealed); err != nil {
		t.Fatalf("Failed to put secret: %v", err)
	}

	got, err := ds.GetSecret()
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	plain, err := handle.Open(got)
	if err != nil {
		t.Fatalf("Failed to decrypt stored secret: %v", err)
	}
	if string(plain) != "api-key" {
		t.Errorf("Got %q, want %q", plain, "api-key")
	}

	if err := ds.DeleteSecret(); err != nil {
		t.Fatalf("Failed to delete secret: %v", err)
	}
	if _, err := ds.GetSecret(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("After delete: got %v, want ErrNoSecret", err)
	}
}

func TestDurableStore_ClosedOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	ds, err := OpenDurable(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	ds.Close()

	if _, err := ds.LoadOrGenerate(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("LoadOrGenerate on closed store: got %v", err)
	}
	if _, err := ds.GetSecret(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("GetSecret on closed store: got %v", err)
	}
	if err := ds.PutSecret(&crypto.SealedRecord{}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("PutSecret on closed store: got %v", err)
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ms := NewMemoryStore()
	defer ms.Close()

	handle, err := ms.LoadOrGenerate()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	// Repeated calls return the same handle.
	handle2, err := ms.LoadOrGenerate()
	if err != nil {
		t.Fatalf("Second LoadOrGenerate failed: %v", err)
	}
	if handle != handle2 {
		t.Error("Memory store regenerated its key")
	}

	if _, err := ms.GetSecret(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("Empty memory store: got %v, want ErrNoSecret", err)
	}

	sealed, err := handle.Seal([]byte("ephemeral"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if err := ms.PutSecret(sealed); err != nil {
		t.Fatalf("Failed to put secret: %v", err)
	}

	got, err := ms.GetSecret()
	if err != nil {
		t.Fatalf("Failed to get secret: %v", err)
	}
	plain, err := handle.Open(got)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if string(plain) != "ephemeral" {
		t.Errorf("Got %q, want %q", plain, "ephemeral")
	}

	if err := ms.DeleteSecret(); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := ms.GetSecret(); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("After delete: got %v, want ErrNoSecret", err)
	}
}

func TestKeyHandle_Destroy(t *testing.T) {
	ms := NewMemoryStore()
	handle, err := ms.LoadOrGenerate()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	handle.Destroy()
	if _, err := handle.Seal([]byte("x")); err == nil {
		t.Error("Destroyed handle still seals")
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()

	if err := Probe(dir); err != nil {
		t.Fatalf("Probe failed on writable dir: %v", err)
	}

	// The throwaway database must not be left behind.
	matches, err := filepath.Glob(filepath.Join(dir, ".keystore-probe*"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Probe left files behind: %v", matches)
	}
}

func TestProbe_UnwritableDir(t *testing.T) {
	// A path component that is a regular file makes the probe fail.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o600); err != nil {
		t.Fatalf("Failed to create blocker file: %v", err)
	}

	if err := Probe(filepath.Join(blocker, "sub")); err == nil {
		t.Error("Probe succeeded under a regular file")
	}
}
