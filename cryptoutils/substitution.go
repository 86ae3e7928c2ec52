package cryptoutils

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SubstitutionSignatureSize is the length of a recoverable secp256k1 signature [R || S || V].
const SubstitutionSignatureSize = 65

// GenerateSubstitutionKey creates a secp256k1 key pair for delegated signing.
// The private key is the 32-byte scalar, the public key the 65-byte uncompressed point.
func GenerateSubstitutionKey() (pub, priv []byte, err error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate substitution key: %w", err)
	}
	return crypto.FromECDSAPub(&key.PublicKey), crypto.FromECDSA(key), nil
}

// SignWithSubstitutionKey signs the Keccak-256 hash of data.
func SignWithSubstitutionKey(priv, data []byte) ([]byte, error) {
	key, err := crypto.ToECDSA(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return crypto.Sign(crypto.Keccak256(data), key)
}

// VerifySubstitutionSignature checks a [R || S || V] signature over the
// Keccak-256 hash of data against pub and returns the signer address
// recovered from the signature.
func VerifySubstitutionSignature(pub, data, sig []byte) (common.Address, error) {
	if len(sig) != SubstitutionSignatureSize {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SubstitutionSignatureSize, len(sig))
	}

	hash := crypto.Keccak256(data)
	recovered, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !bytes.Equal(crypto.FromECDSAPub(recovered), pub) || !crypto.VerifySignature(pub, hash, sig[:64]) {
		return common.Address{}, ErrInvalidSignature
	}

	return crypto.PubkeyToAddress(*recovered), nil
}

// SubstitutionKeyAddress returns the address derived from an uncompressed secp256k1 public key.
func SubstitutionKeyAddress(pub []byte) (common.Address, error) {
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return crypto.PubkeyToAddress(*key), nil
}
