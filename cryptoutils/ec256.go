package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ruteri/ledger-key-custody/interfaces"
)

const (
	ec256PublicKeySize  = 65
	ec256PrivateKeySize = 32
)

// ec256Scheme is ECDSA over P-256 with SHA-256 and ASN.1 DER signatures.
// Public keys are uncompressed points, private keys are 32-byte scalars.
type ec256Scheme struct{}

func (ec256Scheme) Algorithm() interfaces.Algorithm { return interfaces.EC256 }
func (ec256Scheme) PublicKeySize() int              { return ec256PublicKeySize }
func (ec256Scheme) PrivateKeySize() int             { return ec256PrivateKeySize }

func (ec256Scheme) GenerateKey() ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ec256 key: %w", err)
	}

	priv := make([]byte, ec256PrivateKeySize)
	key.D.FillBytes(priv)

	return elliptic.Marshal(key.Curve, key.X, key.Y), priv, nil
}

func (ec256Scheme) Sign(priv, msg []byte) ([]byte, error) {
	key, err := ec256PrivateKey(priv)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func (ec256Scheme) Verify(pub, msg, sig []byte) error {
	if len(pub) != ec256PublicKeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, ec256PublicKeySize, len(pub))
	}

	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, pub)
	if x == nil {
		return ErrInvalidPublicKey
	}

	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(&ecdsa.PublicKey{Curve: curve, X: x, Y: y}, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ec256PrivateKey restores a P-256 key from its scalar.
func ec256PrivateKey(priv []byte) (*ecdsa.PrivateKey, error) {
	if len(priv) != ec256PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, ec256PrivateKeySize, len(priv))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(priv)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, ErrInvalidPrivateKey
	}

	privateKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve,
		},
		D: d,
	}

	// Generate public key
	privateKey.PublicKey.X, privateKey.PublicKey.Y = curve.ScalarBaseMult(priv)

	return privateKey, nil
}
