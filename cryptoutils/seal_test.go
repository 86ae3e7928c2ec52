package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := RandomBytes(SymmetricKeySize)
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{"Simple string", []byte("This is a secret message")},
		{"Binary data", []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD}},
		{"Empty data", []byte{}},
		{"Dilithium-sized key", bytes.Repeat([]byte{0x42}, 4000)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			aad := []byte("acct|Dilithium|0xabc")

			sealed, err := Seal(key, tc.data, aad)
			require.NoError(t, err)
			assert.Len(t, sealed, 12+len(tc.data)+16)

			opened, err := Open(key, sealed, aad)
			require.NoError(t, err)
			assert.Equal(t, len(tc.data), len(opened))
			assert.True(t, bytes.Equal(tc.data, opened))
		})
	}
}

func TestOpenFailures(t *testing.T) {
	key, err := RandomBytes(SymmetricKeySize)
	require.NoError(t, err)
	sealed, err := Seal(key, []byte("secret"), []byte("aad"))
	require.NoError(t, err)

	t.Run("wrong aad", func(t *testing.T) {
		_, err := Open(key, sealed, []byte("other"))
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := RandomBytes(SymmetricKeySize)
		require.NoError(t, err)
		_, err = Open(other, sealed, []byte("aad"))
		assert.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Open(key, sealed[:10], []byte("aad"))
		assert.ErrorIs(t, err, ErrSealedDataTooShort)
	})

	t.Run("bad key size", func(t *testing.T) {
		_, err := Open(key[:16], sealed, []byte("aad"))
		assert.ErrorIs(t, err, ErrInvalidKeySize)
	})
}

func TestDeriveSubkey(t *testing.T) {
	master := bytes.Repeat([]byte{7}, 32)

	a, err := DeriveSubkey(master, "acct-1/Dilithium")
	require.NoError(t, err)
	b, err := DeriveSubkey(master, "acct-1/Dilithium")
	require.NoError(t, err)
	c, err := DeriveSubkey(master, "acct-2/Dilithium")
	require.NoError(t, err)

	assert.Len(t, a, SymmetricKeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDeriveKeyFromPassphrase(t *testing.T) {
	a := DeriveKeyFromPassphrase([]byte("correct horse"), []byte("salt"))
	b := DeriveKeyFromPassphrase([]byte("correct horse"), []byte("salt"))
	c := DeriveKeyFromPassphrase([]byte("battery staple"), []byte("salt"))

	assert.Len(t, a, SymmetricKeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
