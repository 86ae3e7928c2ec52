package cryptoutils

import (
	"errors"
	"fmt"

	"github.com/ruteri/ledger-key-custody/interfaces"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidPublicKey is returned when public key bytes cannot be decoded.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidPrivateKey is returned when private key bytes cannot be decoded.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// Scheme is a signature algorithm with raw byte encodings for keys and signatures.
type Scheme interface {
	Algorithm() interfaces.Algorithm

	// GenerateKey returns a fresh key pair. Callers own the private key
	// buffer and are expected to wipe it once it has been sealed.
	GenerateKey() (pub, priv []byte, err error)

	Sign(priv, msg []byte) ([]byte, error)

	// Verify returns nil iff sig is a valid signature of msg under pub.
	Verify(pub, msg, sig []byte) error

	PublicKeySize() int
	PrivateKeySize() int
}

func _() {
	// An "invalid array index" compiler error signifies that the algorithm
	// set has changed and the scheme table below must be updated.
	var x [1]struct{}
	_ = x[interfaces.AlgorithmCount-3]
}

// schemes is indexed by algorithm.
var schemes = [interfaces.AlgorithmCount]Scheme{
	interfaces.Dilithium: dilithiumScheme{},
	interfaces.Falcon:    falconScheme{},
	interfaces.EC256:     ec256Scheme{},
}

func init() {
	for alg, s := range schemes {
		if s == nil || s.Algorithm() != interfaces.Algorithm(alg) {
			panic(fmt.Sprintf("cryptoutils: no scheme registered for %s", interfaces.Algorithm(alg)))
		}
	}
}

// SchemeFor returns the scheme implementing alg.
func SchemeFor(alg interfaces.Algorithm) (Scheme, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAlgorithm, alg)
	}
	return schemes[alg], nil
}
