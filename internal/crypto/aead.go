// Package crypto wraps the symmetric AEAD primitive used by the secret
// vault: ChaCha20-Poly1305 with a 256-bit key and a 96-bit nonce. It also
// defines the persisted sealed-record format.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the AEAD key size in bytes.
	KeySize = chacha20poly1305.KeySize // 32
	// NonceSize is the AEAD nonce size in bytes.
	NonceSize = chacha20poly1305.NonceSize // 12
)

var (
	ErrInvalidKeySize   = errors.New("invalid key size")
	ErrInvalidRecord    = errors.New("invalid sealed record format")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// SealedRecord is the persisted form of an encrypted secret: the nonce the
// ciphertext was sealed under, and the ciphertext itself (tag included).
type SealedRecord struct {
	Nonce      []byte
	Ciphertext []byte
}

// GenerateKey creates a fresh random AEAD key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateNonce creates a cryptographically secure random nonce. A fresh
// nonce must be generated for every Seal call; reusing a (key, nonce) pair
// breaks the cipher entirely.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts plaintext under key with a freshly generated nonce.
func Seal(key, plaintext []byte) (*SealedRecord, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	return &SealedRecord{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts a sealed record. Any tampering with the nonce or
// ciphertext, or a key mismatch, yields ErrDecryptionFailed.
func Open(key []byte, rec *SealedRecord) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if rec == nil || len(rec.Nonce) != NonceSize {
		return nil, ErrInvalidRecord
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// RecordToBytes serializes a sealed record for storage.
// Format: nonce(12) + ciphertext_len(4, little endian) + ciphertext.
func RecordToBytes(rec *SealedRecord) []byte {
	buf := make([]byte, 0, NonceSize+4+len(rec.Ciphertext))
	buf = append(buf, rec.Nonce...)

	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(rec.Ciphertext)))
	buf = append(buf, lenBytes...)
	buf = append(buf, rec.Ciphertext...)

	return buf
}

// RecordFromBytes deserializes a sealed record.
func RecordFromBytes(data []byte) (*SealedRecord, error) {
	if len(data) < NonceSize+4 {
		return nil, ErrInvalidRecord
	}

	nonce := make([]byte, NonceSize)
	copy(nonce, data[:NonceSize])
	offset := NonceSize

	ctLen := binary.LittleEndian.Uint32(data[offset : offset+4])
	offset += 4
	if offset+int(ctLen) != len(data) {
		return nil, ErrInvalidRecord
	}

	ciphertext := make([]byte, ctLen)
	copy(ciphertext, data[offset:])

	return &SealedRecord{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Zeroize securely clears a byte slice.
func Zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ZeroizeString clears the string pointed to by s.
func ZeroizeString(s *string) {
	if s == nil {
		return
	}
	b := []byte(*s)
	Zeroize(b)
	*s = ""
}
