package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.InsertAccount(context.Background(), interfaces.Account{
		ID:        id,
		Address:   "0x" + id,
		Status:    interfaces.AccountActive,
		CreatedAt: time.Now(),
	}))
}

func keyPair(accountID, keyID, hash string, alg interfaces.Algorithm) (interfaces.AccountKey, interfaces.RegistryEntry) {
	now := time.Now()
	key := interfaces.AccountKey{
		KeyID:     keyID,
		AccountID: accountID,
		Algorithm: alg,
		PublicKey: []byte("pub-" + keyID),
		Provider:  "local",
		Status:    interfaces.KeyActive,
		CreatedAt: now,
	}
	entry := interfaces.RegistryEntry{
		AccountID: accountID,
		Algorithm: alg,
		KeyID:     keyID,
		PublicKey: key.PublicKey,
		Hash:      hash,
		Status:    interfaces.KeyActive,
		CreatedAt: now,
	}
	return key, entry
}

func TestMemoryStore_Accounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1")

	got, err := s.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "0xa1", got.Address)

	err = s.InsertAccount(ctx, interfaces.Account{ID: "a1", Address: "0xother"})
	assert.ErrorIs(t, err, interfaces.ErrAccountExists)
	err = s.InsertAccount(ctx, interfaces.Account{ID: "a2", Address: "0xa1"})
	assert.ErrorIs(t, err, interfaces.ErrAccountExists)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1")

	key, entry := keyPair("a1", "k1", "h1", interfaces.Dilithium)
	require.NoError(t, s.InsertKey(ctx, key, entry))

	got, err := s.GetActiveRegistryEntry(ctx, "a1", interfaces.Dilithium)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.KeyID)

	_, err = s.GetActiveRegistryEntry(ctx, "a1", interfaces.Falcon)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// Only one active key per (account, algorithm)
	dup, dupEntry := keyPair("a1", "k2", "h2", interfaces.Dilithium)
	err = s.InsertKey(ctx, dup, dupEntry)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateActiveKey)
	_, err = s.GetKey(ctx, "k2")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "a failed insert should leave nothing behind")

	orphan, orphanEntry := keyPair("nobody", "k3", "h3", interfaces.EC256)
	assert.ErrorIs(t, s.InsertKey(ctx, orphan, orphanEntry), interfaces.ErrNotFound)

	require.NoError(t, s.RecordKeyUsage(ctx, "h1", time.Now()))
	require.NoError(t, s.RecordKeyUsage(ctx, "h1", time.Now()))
	got, err = s.GetActiveRegistryEntry(ctx, "a1", interfaces.Dilithium)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)
	assert.ErrorIs(t, s.RecordKeyUsage(ctx, "nope", time.Now()), interfaces.ErrNotFound)

	keys, err := s.ListKeys(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMemoryStore_ReplaceKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "a1")

	key, entry := keyPair("a1", "k1", "h1", interfaces.EC256)
	require.NoError(t, s.InsertKey(ctx, key, entry))

	next, nextEntry := keyPair("a1", "k2", "h2", interfaces.EC256)
	retired, err := s.ReplaceKey(ctx, next, nextEntry)
	require.NoError(t, err)
	require.NotNil(t, retired)
	assert.Equal(t, "h1", retired.Hash)
	assert.Equal(t, interfaces.KeyRetired, retired.Status)

	active, err := s.GetActiveRegistryEntry(ctx, "a1", interfaces.EC256)
	require.NoError(t, err)
	assert.Equal(t, "h2", active.Hash)

	old, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.KeyRetired, old.Status)

	// Replacing with no active key behaves like an insert
	fresh, freshEntry := keyPair("a1", "k3", "h3", interfaces.Falcon)
	retired, err = s.ReplaceKey(ctx, fresh, freshEntry)
	require.NoError(t, err)
	assert.Nil(t, retired)
}

func TestMemoryStore_Nonces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	n := interfaces.RequestNonce{NonceHash: "nh", AccountID: "a1", Nonce: "n", ReceivedAt: now, ExpiresAt: now.Add(15 * time.Minute)}
	require.NoError(t, s.InsertNonce(ctx, n))
	assert.ErrorIs(t, s.InsertNonce(ctx, n), interfaces.ErrNonceExists)

	exists, err := s.NonceExists(ctx, "nh", "a1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Same nonce for a different account is independent
	other := n
	other.AccountID = "a2"
	require.NoError(t, s.InsertNonce(ctx, other))

	old := interfaces.RequestNonce{NonceHash: "old", AccountID: "a1", ReceivedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour)}
	require.NoError(t, s.InsertNonce(ctx, old))

	deleted, err := s.DeleteExpiredNonces(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	exists, err = s.NonceExists(ctx, "old", "a1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_ConcurrentNonceInsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.InsertNonce(ctx, interfaces.RequestNonce{NonceHash: "same", AccountID: "a1"}); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestMemoryStore_SubstitutionKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, created time.Time) interfaces.SubstitutionKeyPair {
		return interfaces.SubstitutionKeyPair{
			KeyID:      id,
			PrivateKey: []byte("secret"),
			PublicKey:  []byte("pub-" + id),
			Address:    "0xabc",
			CreatedAt:  created,
			ExpiresAt:  created.Add(24 * time.Hour),
		}
	}

	deactivated, err := s.ReplaceActiveSubstitutionKey(ctx, mk("s1", now), now)
	require.NoError(t, err)
	assert.Empty(t, deactivated)

	stored, err := s.GetSubstitutionKey(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, stored.PrivateKey, "private keys are never persisted")
	assert.True(t, stored.Active)

	deactivated, err = s.ReplaceActiveSubstitutionKey(ctx, mk("s2", now.Add(time.Second)), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, deactivated)

	active, err := s.GetActiveSubstitutionKey(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "s2", active.KeyID)

	list, err := s.ListSubstitutionKeys(ctx, "0xabc")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s2", list[0].KeyID)
	assert.False(t, list[1].Active)
	assert.NotNil(t, list[1].RevokedAt)

	ok, err := s.DeactivateSubstitutionKey(ctx, "s2", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeactivateSubstitutionKey(ctx, "s2", now)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.DeactivateSubstitutionKey(ctx, "missing", now)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = s.GetActiveSubstitutionKey(ctx, "0xabc")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	newExpiry := now.Add(48 * time.Hour)
	require.NoError(t, s.UpdateSubstitutionKeyExpiration(ctx, "s1", newExpiry))
	stored, err = s.GetSubstitutionKey(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, newExpiry.Equal(stored.ExpiresAt))
	assert.ErrorIs(t, s.UpdateSubstitutionKeyExpiration(ctx, "missing", newExpiry), interfaces.ErrNotFound)

	require.NoError(t, s.RecordSubstitutionKeyUsage(ctx, "s1", now))
	stored, err = s.GetSubstitutionKey(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)
}

func TestMemoryStore_ConcurrentSubstitutionIssuance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ReplaceActiveSubstitutionKey(ctx, interfaces.SubstitutionKeyPair{
				KeyID:     fmt.Sprintf("s%d", i),
				Address:   "0xabc",
				CreatedAt: now,
				ExpiresAt: now.Add(time.Hour),
			}, now)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := s.ListSubstitutionKeys(ctx, "0xabc")
	require.NoError(t, err)
	assert.Len(t, list, 16)

	active := 0
	for _, k := range list {
		if k.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
