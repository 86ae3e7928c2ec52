package cryptoutils

import (
	"testing"

	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeKeySizes(t *testing.T) {
	testCases := []struct {
		alg     interfaces.Algorithm
		pubSize int
		prvSize int
	}{
		{interfaces.Dilithium, 1952, 4000},
		{interfaces.Falcon, 1793, 2305},
		{interfaces.EC256, 65, 32},
	}

	for _, tc := range testCases {
		t.Run(tc.alg.String(), func(t *testing.T) {
			scheme, err := SchemeFor(tc.alg)
			require.NoError(t, err)
			assert.Equal(t, tc.alg, scheme.Algorithm())
			assert.Equal(t, tc.pubSize, scheme.PublicKeySize())
			assert.Equal(t, tc.prvSize, scheme.PrivateKeySize())

			pub, priv, err := scheme.GenerateKey()
			require.NoError(t, err)
			assert.Len(t, pub, tc.pubSize)
			assert.Len(t, priv, tc.prvSize)
		})
	}
}

func TestSchemeSignVerify(t *testing.T) {
	msg := []byte(`{"amount":100,"to":"0xabc"}`)

	for _, alg := range interfaces.AllAlgorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			scheme, err := SchemeFor(alg)
			require.NoError(t, err)

			pub, priv, err := scheme.GenerateKey()
			require.NoError(t, err)

			sig, err := scheme.Sign(priv, msg)
			require.NoError(t, err)
			require.NoError(t, scheme.Verify(pub, msg, sig))

			// Tampered message
			err = scheme.Verify(pub, []byte(`{"amount":101,"to":"0xabc"}`), sig)
			assert.ErrorIs(t, err, ErrInvalidSignature)

			// Wrong key
			otherPub, _, err := scheme.GenerateKey()
			require.NoError(t, err)
			assert.Error(t, scheme.Verify(otherPub, msg, sig))
		})
	}
}

func TestSchemeCrossAlgorithmFails(t *testing.T) {
	msg := []byte("cross algorithm")

	type keyMaterial struct {
		pub, sig []byte
	}
	material := map[interfaces.Algorithm]keyMaterial{}
	for _, alg := range interfaces.AllAlgorithms() {
		scheme, err := SchemeFor(alg)
		require.NoError(t, err)
		pub, priv, err := scheme.GenerateKey()
		require.NoError(t, err)
		sig, err := scheme.Sign(priv, msg)
		require.NoError(t, err)
		material[alg] = keyMaterial{pub: pub, sig: sig}
	}

	for _, signer := range interfaces.AllAlgorithms() {
		for _, verifier := range interfaces.AllAlgorithms() {
			if signer == verifier {
				continue
			}
			t.Run(signer.String()+"->"+verifier.String(), func(t *testing.T) {
				scheme, err := SchemeFor(verifier)
				require.NoError(t, err)
				assert.Error(t, scheme.Verify(material[verifier].pub, msg, material[signer].sig))
			})
		}
	}
}

func TestSchemeForUnsupported(t *testing.T) {
	_, err := SchemeFor(interfaces.AlgorithmCount)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm)

	_, err = SchemeFor(interfaces.Algorithm(-1))
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm)
}

func TestEC256RejectsMalformedKeys(t *testing.T) {
	scheme, err := SchemeFor(interfaces.EC256)
	require.NoError(t, err)

	_, err = scheme.Sign(make([]byte, 32), []byte("msg"))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = scheme.Sign(make([]byte, 31), []byte("msg"))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	err = scheme.Verify(make([]byte, 65), []byte("msg"), []byte("sig"))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
