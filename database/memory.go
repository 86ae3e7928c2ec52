package database

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/ledger-key-custody/interfaces"
)

// MemoryStore is an in-process interfaces.Store. It has the same atomicity
// and uniqueness guarantees as PostgresStore, backed by a single mutex.
type MemoryStore struct {
	mu sync.Mutex

	accounts  map[string]interfaces.Account
	addresses map[string]string // address -> account id

	keys           map[string]interfaces.AccountKey
	registry       map[string]interfaces.RegistryEntry // by hash
	activeRegistry map[registryKey]string              // -> hash

	nonces map[nonceKey]interfaces.RequestNonce

	substitution map[string]interfaces.SubstitutionKeyPair
}

type registryKey struct {
	accountID string
	algorithm interfaces.Algorithm
}

type nonceKey struct {
	nonceHash string
	accountID string
}

var _ interfaces.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:       make(map[string]interfaces.Account),
		addresses:      make(map[string]string),
		keys:           make(map[string]interfaces.AccountKey),
		registry:       make(map[string]interfaces.RegistryEntry),
		activeRegistry: make(map[registryKey]string),
		nonces:         make(map[nonceKey]interfaces.RequestNonce),
		substitution:   make(map[string]interfaces.SubstitutionKeyPair),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (s *MemoryStore) Close()                         {}

func (s *MemoryStore) InsertAccount(ctx context.Context, account interfaces.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("%w: id %s", interfaces.ErrAccountExists, account.ID)
	}
	if _, exists := s.addresses[account.Address]; exists {
		return fmt.Errorf("%w: address %s", interfaces.ErrAccountExists, account.Address)
	}

	s.accounts[account.ID] = account
	s.addresses[account.Address] = account.ID
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (interfaces.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return interfaces.Account{}, interfaces.ErrNotFound
	}
	return account, nil
}

func (s *MemoryStore) InsertKey(ctx context.Context, key interfaces.AccountKey, entry interfaces.RegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeyInsert(key, entry); err != nil {
		return err
	}
	rk := registryKey{key.AccountID, key.Algorithm}
	if _, exists := s.activeRegistry[rk]; exists {
		return fmt.Errorf("%w: %s/%s", interfaces.ErrDuplicateActiveKey, key.AccountID, key.Algorithm)
	}

	s.putKey(key, entry)
	return nil
}

func (s *MemoryStore) ReplaceKey(ctx context.Context, key interfaces.AccountKey, entry interfaces.RegistryEntry) (*interfaces.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkKeyInsert(key, entry); err != nil {
		return nil, err
	}

	var retired *interfaces.RegistryEntry
	rk := registryKey{key.AccountID, key.Algorithm}
	if hash, exists := s.activeRegistry[rk]; exists {
		old := s.registry[hash]
		old.Status = interfaces.KeyRetired
		s.registry[hash] = old
		retired = cloneEntry(old)

		if oldKey, ok := s.keys[old.KeyID]; ok {
			oldKey.Status = interfaces.KeyRetired
			s.keys[old.KeyID] = oldKey
		}
		delete(s.activeRegistry, rk)
	}

	s.putKey(key, entry)
	return retired, nil
}

func (s *MemoryStore) checkKeyInsert(key interfaces.AccountKey, entry interfaces.RegistryEntry) error {
	if _, ok := s.accounts[key.AccountID]; !ok {
		return fmt.Errorf("account %s: %w", key.AccountID, interfaces.ErrNotFound)
	}
	if entry.KeyID != key.KeyID || entry.AccountID != key.AccountID || entry.Algorithm != key.Algorithm {
		return fmt.Errorf("registry entry does not match key %s", key.KeyID)
	}
	if _, exists := s.keys[key.KeyID]; exists {
		return fmt.Errorf("key %s already exists", key.KeyID)
	}
	if _, exists := s.registry[entry.Hash]; exists {
		return fmt.Errorf("%w: registry hash %s", interfaces.ErrDuplicateActiveKey, entry.Hash)
	}
	return nil
}

func (s *MemoryStore) putKey(key interfaces.AccountKey, entry interfaces.RegistryEntry) {
	key.PublicKey = bytes.Clone(key.PublicKey)
	entry.PublicKey = bytes.Clone(entry.PublicKey)
	s.keys[key.KeyID] = key
	s.registry[entry.Hash] = entry
	if entry.Status == interfaces.KeyActive {
		s.activeRegistry[registryKey{entry.AccountID, entry.Algorithm}] = entry.Hash
	}
}

func (s *MemoryStore) GetKey(ctx context.Context, keyID string) (interfaces.AccountKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok {
		return interfaces.AccountKey{}, interfaces.ErrNotFound
	}
	key.PublicKey = bytes.Clone(key.PublicKey)
	return key, nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, accountID string) ([]interfaces.AccountKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []interfaces.AccountKey
	for _, key := range s.keys {
		if key.AccountID == accountID {
			key.PublicKey = bytes.Clone(key.PublicKey)
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.Before(keys[j].CreatedAt)
		}
		return keys[i].KeyID < keys[j].KeyID
	})
	return keys, nil
}

func (s *MemoryStore) GetActiveRegistryEntry(ctx context.Context, accountID string, alg interfaces.Algorithm) (interfaces.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.activeRegistry[registryKey{accountID, alg}]
	if !ok {
		return interfaces.RegistryEntry{}, interfaces.ErrNotFound
	}
	return *cloneEntry(s.registry[hash]), nil
}

func (s *MemoryStore) RecordKeyUsage(ctx context.Context, hash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.registry[hash]
	if !ok {
		return interfaces.ErrNotFound
	}
	entry.UsageCount++
	entry.LastUsedAt = &usedAt
	s.registry[hash] = entry
	return nil
}

func (s *MemoryStore) NonceExists(ctx context.Context, nonceHash, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nonces[nonceKey{nonceHash, accountID}]
	return ok, nil
}

func (s *MemoryStore) InsertNonce(ctx context.Context, nonce interfaces.RequestNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := nonceKey{nonce.NonceHash, nonce.AccountID}
	if _, exists := s.nonces[k]; exists {
		return interfaces.ErrNonceExists
	}
	s.nonces[k] = nonce
	return nil
}

func (s *MemoryStore) DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for k, nonce := range s.nonces {
		if nonce.ExpiresAt.Before(before) {
			delete(s.nonces, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) ReplaceActiveSubstitutionKey(ctx context.Context, key interfaces.SubstitutionKeyPair, revokedAt time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.substitution[key.KeyID]; exists {
		return nil, fmt.Errorf("substitution key %s already exists", key.KeyID)
	}

	var deactivated []string
	for id, existing := range s.substitution {
		if existing.Address == key.Address && existing.Active {
			existing.Active = false
			existing.RevokedAt = &revokedAt
			s.substitution[id] = existing
			deactivated = append(deactivated, id)
		}
	}
	sort.Strings(deactivated)

	key.PrivateKey = nil
	key.PublicKey = bytes.Clone(key.PublicKey)
	key.Active = true
	s.substitution[key.KeyID] = key
	return deactivated, nil
}

func (s *MemoryStore) GetSubstitutionKey(ctx context.Context, keyID string) (interfaces.SubstitutionKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.substitution[keyID]
	if !ok {
		return interfaces.SubstitutionKeyPair{}, interfaces.ErrNotFound
	}
	return cloneSubstitutionKey(key), nil
}

func (s *MemoryStore) GetActiveSubstitutionKey(ctx context.Context, address string) (interfaces.SubstitutionKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.substitution {
		if key.Address == address && key.Active {
			return cloneSubstitutionKey(key), nil
		}
	}
	return interfaces.SubstitutionKeyPair{}, interfaces.ErrNotFound
}

func (s *MemoryStore) ListSubstitutionKeys(ctx context.Context, address string) ([]interfaces.SubstitutionKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []interfaces.SubstitutionKeyPair
	for _, key := range s.substitution {
		if key.Address == address {
			keys = append(keys, cloneSubstitutionKey(key))
		}
	}
	// Newest first
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].KeyID < keys[j].KeyID
	})
	return keys, nil
}

func (s *MemoryStore) DeactivateSubstitutionKey(ctx context.Context, keyID string, revokedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.substitution[keyID]
	if !ok {
		return false, interfaces.ErrNotFound
	}
	if !key.Active {
		return false, nil
	}
	key.Active = false
	key.RevokedAt = &revokedAt
	s.substitution[keyID] = key
	return true, nil
}

func (s *MemoryStore) UpdateSubstitutionKeyExpiration(ctx context.Context, keyID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.substitution[keyID]
	if !ok {
		return interfaces.ErrNotFound
	}
	key.ExpiresAt = expiresAt
	s.substitution[keyID] = key
	return nil
}

func (s *MemoryStore) RecordSubstitutionKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.substitution[keyID]
	if !ok {
		return interfaces.ErrNotFound
	}
	key.UsageCount++
	key.LastUsedAt = &usedAt
	s.substitution[keyID] = key
	return nil
}

func cloneEntry(e interfaces.RegistryEntry) *interfaces.RegistryEntry {
	e.PublicKey = bytes.Clone(e.PublicKey)
	if e.LastUsedAt != nil {
		t := *e.LastUsedAt
		e.LastUsedAt = &t
	}
	return &e
}

func cloneSubstitutionKey(k interfaces.SubstitutionKeyPair) interfaces.SubstitutionKeyPair {
	k.PublicKey = bytes.Clone(k.PublicKey)
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		k.RevokedAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		k.LastUsedAt = &t
	}
	return k
}
