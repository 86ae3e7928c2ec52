package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SymmetricKeySize is the AES-256 key size used for sealing.
	SymmetricKeySize = 32

	gcmNonceSize = 12
)

var (
	// ErrInvalidKeySize is returned when a symmetric key is not 32 bytes.
	ErrInvalidKeySize = errors.New("symmetric key must be 32 bytes")

	// ErrSealedDataTooShort is returned when sealed data cannot hold an IV and tag.
	ErrSealedDataTooShort = errors.New("sealed data too short")
)

// Seal encrypts plaintext with AES-256-GCM binding aad as associated data.
//
// Format: [iv (12 bytes)][ciphertext with GCM tag]
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Generate random IV for AES-GCM
	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	return aesGCM.Seal(iv, iv, plaintext, aad), nil
}

// Open decrypts data produced by Seal. The aad must match the one used for sealing.
func Open(key, sealed, aad []byte) ([]byte, error) {
	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcmNonceSize+aesGCM.Overhead() {
		return nil, ErrSealedDataTooShort
	}

	plaintext, err := aesGCM.Open(nil, sealed[:gcmNonceSize], sealed[gcmNonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, ErrInvalidKeySize
	}

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// DeriveKeyFromPassphrase stretches a passphrase into a 32-byte key with Argon2id.
// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
func DeriveKeyFromPassphrase(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, append([]byte("LEDGER-MASTER-KEY-"), salt...), 1, 64*1024, 4, SymmetricKeySize)
}

// DeriveSubkey derives a 32-byte key from a master key with HKDF-SHA256.
// The info parameter scopes the derived key, e.g. to an account and algorithm.
func DeriveSubkey(masterKey []byte, info string) ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return key, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
