package accounts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/ledger-key-custody/cache"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/database"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/kms"
	"github.com/ruteri/ledger-key-custody/storage"
	"github.com/ruteri/ledger-key-custody/substitution"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	orchestrator *Orchestrator
	store        *database.MemoryStore
	vault        *kms.KeyVaultFactory
	blobs        *storage.SealedKeyBlobs
	cache        *cache.PublicKeyCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	masterKey, err := cryptoutils.RandomBytes(32)
	require.NoError(t, err)
	local, err := kms.NewLocalProvider("local", masterKey, 0, log)
	require.NoError(t, err)

	vault := kms.NewKeyVaultFactory(log, time.Second, 5*time.Second)
	require.NoError(t, vault.Register(local))

	backend, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)
	blobs := storage.NewSealedKeyBlobs(backend)

	store := database.NewMemoryStore()
	keyCache := cache.NewPublicKeyCache(cache.NewMemoryBackend(cache.DefaultTTL, time.Minute), log)
	subs := substitution.NewService(store, log)

	return &fixture{
		orchestrator: NewOrchestrator(store, vault, blobs, keyCache, subs, log),
		store:        store,
		vault:        vault,
		blobs:        blobs,
		cache:        keyCache,
	}
}

func TestCreateAccount_WithSubstitutionKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orchestrator.CreateAccount(ctx, CreateAccountRequest{
		OwnerID:                 "owner-1",
		Algorithms:              []string{"EC256"},
		GenerateSubstitutionKey: true,
	})
	require.NoError(t, err)

	require.Len(t, res.Keys, 1)
	assert.True(t, res.Keys[0].Success, res.Keys[0].Error)
	assert.Equal(t, interfaces.EC256, res.Keys[0].Algorithm)
	assert.Equal(t, "local", res.Keys[0].Provider)

	assert.True(t, strings.HasPrefix(res.Account.Address, "0x"))
	assert.Len(t, res.Account.Address, 42)

	require.NotNil(t, res.SubstitutionKey)
	assert.NotEmpty(t, res.SubstitutionKey.PrivateKey)
	assert.Equal(t, res.Account.Address, res.SubstitutionKey.Address)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), res.SubstitutionKey.ExpiresAt, time.Minute)

	entry, err := f.store.GetActiveRegistryEntry(ctx, res.Account.ID, interfaces.EC256)
	require.NoError(t, err)
	assert.Equal(t, res.Keys[0].KeyID, entry.KeyID)
	assert.Equal(t, cryptoutils.RegistryHash(interfaces.EC256, res.Keys[0].PublicKey), entry.Hash)
}

func TestCreateAccount_DefaultAlgorithmsAndSealedKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orchestrator.CreateAccount(ctx, CreateAccountRequest{Address: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.Account.Address)
	assert.Nil(t, res.SubstitutionKey)

	require.Len(t, res.Keys, 2)
	assert.Equal(t, interfaces.Dilithium, res.Keys[0].Algorithm)
	assert.Equal(t, interfaces.EC256, res.Keys[1].Algorithm)

	msg := []byte("ledger entry")
	for _, kr := range res.Keys {
		require.True(t, kr.Success, kr.Error)

		key, err := f.store.GetKey(ctx, kr.KeyID)
		require.NoError(t, err)

		sealed, err := f.blobs.Get(ctx, key.EncryptedKeyRef)
		require.NoError(t, err)
		assert.Equal(t, "local", sealed.Provider)

		priv, err := f.vault.Decrypt(ctx, sealed, interfaces.EncryptionContext{
			AccountID: res.Account.ID,
			Algorithm: kr.Algorithm,
			Address:   res.Account.Address,
		})
		require.NoError(t, err)

		scheme, err := cryptoutils.SchemeFor(kr.Algorithm)
		require.NoError(t, err)
		sig, err := scheme.Sign(priv, msg)
		require.NoError(t, err)
		assert.NoError(t, scheme.Verify(kr.PublicKey, msg, sig))
	}
}

func TestCreateAccount_DeduplicatesAlgorithms(t *testing.T) {
	f := newFixture(t)

	res, err := f.orchestrator.CreateAccount(context.Background(), CreateAccountRequest{
		Algorithms: []string{"ec256", "EC256", "Falcon"},
	})
	require.NoError(t, err)
	require.Len(t, res.Keys, 2)
	assert.Equal(t, interfaces.EC256, res.Keys[0].Algorithm)
	assert.Equal(t, interfaces.Falcon, res.Keys[1].Algorithm)
}

func TestCreateAccount_RejectsUnknownAlgorithm(t *testing.T) {
	f := newFixture(t)

	_, err := f.orchestrator.CreateAccount(context.Background(), CreateAccountRequest{
		Address:    "0xabc",
		Algorithms: []string{"EC256", "RSA"},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm)

	// Rejected before the account was written, so the address is still free
	_, err = f.orchestrator.CreateAccount(context.Background(), CreateAccountRequest{Address: "0xabc", Algorithms: []string{"EC256"}})
	assert.NoError(t, err)
}

func TestCreateAccount_DuplicateAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orchestrator.CreateAccount(ctx, CreateAccountRequest{Address: "0xabc", Algorithms: []string{"EC256"}})
	require.NoError(t, err)
	_, err = f.orchestrator.CreateAccount(ctx, CreateAccountRequest{Address: "0xabc", Algorithms: []string{"EC256"}})
	assert.ErrorIs(t, err, interfaces.ErrAccountExists)
}

type failingVault struct{}

func (failingVault) Encrypt(context.Context, []byte, interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	return interfaces.SealedKey{}, errors.New("vault sealed")
}

func (failingVault) Decrypt(context.Context, interfaces.SealedKey, interfaces.EncryptionContext) ([]byte, error) {
	return nil, errors.New("vault sealed")
}

func TestCreateAccount_KeyFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.orchestrator.vault = failingVault{}

	res, err := f.orchestrator.CreateAccount(context.Background(), CreateAccountRequest{
		Algorithms:              []string{"Dilithium", "EC256"},
		GenerateSubstitutionKey: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Keys, 2)
	for _, kr := range res.Keys {
		assert.False(t, kr.Success)
		assert.Contains(t, kr.Error, "vault sealed")
	}
	assert.NotNil(t, res.SubstitutionKey)

	_, err = f.store.GetAccount(context.Background(), res.Account.ID)
	assert.NoError(t, err)
}

func TestRotateKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orchestrator.CreateAccount(ctx, CreateAccountRequest{Algorithms: []string{"EC256"}})
	require.NoError(t, err)
	accountID := res.Account.ID

	old, err := f.store.GetActiveRegistryEntry(ctx, accountID, interfaces.EC256)
	require.NoError(t, err)
	f.cache.Set(ctx, old.Hash, old, time.Hour)

	rotated, err := f.orchestrator.RotateKey(ctx, accountID, interfaces.EC256)
	require.NoError(t, err)
	assert.True(t, rotated.Success)
	assert.NotEqual(t, res.Keys[0].KeyID, rotated.KeyID)

	_, ok := f.cache.Lookup(ctx, accountID, interfaces.EC256)
	assert.False(t, ok, "rotation invalidates the account's cache entries")

	// A verifier that read the old entry before rotation cannot put it back
	f.cache.Set(ctx, old.Hash, old, time.Hour)
	_, ok = f.cache.Lookup(ctx, accountID, interfaces.EC256)
	assert.False(t, ok, "a retired key is never served from the cache")

	active, err := f.store.GetActiveRegistryEntry(ctx, accountID, interfaces.EC256)
	require.NoError(t, err)
	assert.Equal(t, rotated.KeyID, active.KeyID)

	prev, err := f.store.GetKey(ctx, res.Keys[0].KeyID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyRetired, prev.Status)

	_, err = f.orchestrator.RotateKey(ctx, "missing", interfaces.EC256)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = f.orchestrator.RotateKey(ctx, accountID, interfaces.AlgorithmCount)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedAlgorithm)
}
