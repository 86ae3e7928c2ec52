package cryptoutils

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

// ErrEmptyPayload is returned when there is nothing to canonicalize.
var ErrEmptyPayload = errors.New("empty payload")

// CanonicalizePayload returns the RFC 8785 canonical form of a JSON payload.
// Whitespace and object key order in the input do not affect the output.
func CanonicalizePayload(payload json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyPayload
	}

	canonical, err := jcs.Transform(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return canonical, nil
}

// NonceHash is the hex SHA-256 of a nonce, the replay-guard key.
func NonceHash(nonce string) string {
	hash := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(hash[:])
}

// RegistryHash is the content hash of a registry entry: hex SHA-256 over the
// algorithm name, a zero separator and the public key.
func RegistryHash(alg interfaces.Algorithm, publicKey []byte) string {
	h := sha256.New()
	h.Write([]byte(alg.String()))
	h.Write([]byte{0})
	h.Write(publicKey)
	return hex.EncodeToString(h.Sum(nil))
}
