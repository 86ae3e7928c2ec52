package cryptoutils

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

// dilithiumScheme is CRYSTALS-Dilithium mode 3.
type dilithiumScheme struct{}

func (dilithiumScheme) Algorithm() interfaces.Algorithm { return interfaces.Dilithium }
func (dilithiumScheme) PublicKeySize() int              { return mode3.PublicKeySize }
func (dilithiumScheme) PrivateKeySize() int             { return mode3.PrivateKeySize }

func (dilithiumScheme) GenerateKey() ([]byte, []byte, error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate dilithium key: %w", err)
	}
	return pk.Bytes(), sk.Bytes(), nil
}

func (dilithiumScheme) Sign(priv, msg []byte) ([]byte, error) {
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(priv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(&sk, msg, sig)
	return sig, nil
}

func (dilithiumScheme) Verify(pub, msg, sig []byte) error {
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	if len(sig) != mode3.SignatureSize || !mode3.Verify(&pk, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
