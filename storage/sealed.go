package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/ledger-key-custody/interfaces"
)

// SealedKeyBlobs stores provider-sealed private keys in a storage backend.
type SealedKeyBlobs struct {
	backend interfaces.StorageBackend
}

// NewSealedKeyBlobs wraps a storage backend.
func NewSealedKeyBlobs(backend interfaces.StorageBackend) *SealedKeyBlobs {
	return &SealedKeyBlobs{backend: backend}
}

// Put serializes and stores a sealed key, returning its content ID.
func (s *SealedKeyBlobs) Put(ctx context.Context, sealed interfaces.SealedKey) (interfaces.ContentID, error) {
	if sealed.Provider == "" || len(sealed.Ciphertext) == 0 {
		return interfaces.ContentID{}, errors.New("incomplete sealed key")
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to encode sealed key: %w", err)
	}

	id, err := s.backend.Store(ctx, data, interfaces.SealedKeyType)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("failed to store sealed key: %w", err)
	}
	return id, nil
}

// Get fetches and decodes a sealed key by content ID.
func (s *SealedKeyBlobs) Get(ctx context.Context, id interfaces.ContentID) (interfaces.SealedKey, error) {
	data, err := s.backend.Fetch(ctx, id, interfaces.SealedKeyType)
	if err != nil {
		return interfaces.SealedKey{}, err
	}

	var sealed interfaces.SealedKey
	if err := json.Unmarshal(data, &sealed); err != nil {
		return interfaces.SealedKey{}, fmt.Errorf("failed to decode sealed key %s: %w", id, err)
	}
	return sealed, nil
}

// Available reports whether the underlying backend is reachable.
func (s *SealedKeyBlobs) Available(ctx context.Context) bool {
	return s.backend.Available(ctx)
}
