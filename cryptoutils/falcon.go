package cryptoutils

import (
	"fmt"

	"github.com/algorand/falcon"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

const falconSeedSize = 48

// falconScheme is Falcon-1024 with compressed signatures.
type falconScheme struct{}

func (falconScheme) Algorithm() interfaces.Algorithm { return interfaces.Falcon }
func (falconScheme) PublicKeySize() int              { return falcon.PublicKeySize }
func (falconScheme) PrivateKeySize() int             { return falcon.PrivateKeySize }

func (falconScheme) GenerateKey() ([]byte, []byte, error) {
	seed, err := RandomBytes(falconSeedSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate falcon seed: %w", err)
	}
	defer WipeBytes(seed)

	pk, sk, err := falcon.GenerateKey(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate falcon key: %w", err)
	}

	priv := make([]byte, falcon.PrivateKeySize)
	copy(priv, sk[:])
	WipeBytes(sk[:])

	return append([]byte(nil), pk[:]...), priv, nil
}

func (falconScheme) Sign(priv, msg []byte) ([]byte, error) {
	if len(priv) != falcon.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, falcon.PrivateKeySize, len(priv))
	}

	var sk falcon.PrivateKey
	copy(sk[:], priv)
	defer WipeBytes(sk[:])

	sig, err := sk.SignCompressed(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func (falconScheme) Verify(pub, msg, sig []byte) error {
	if len(pub) != falcon.PublicKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, falcon.PublicKeySize, len(pub))
	}
	if len(sig) == 0 {
		return ErrInvalidSignature
	}

	var pk falcon.PublicKey
	copy(pk[:], pub)

	if err := pk.Verify(falcon.CompressedSignature(sig), msg); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
