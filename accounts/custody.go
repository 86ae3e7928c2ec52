package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

// custodyChallenge is signed by the unsealed key and checked against the
// registered public key.
var custodyChallenge = []byte("ledger-key-custody:custody-check")

// CustodyCheck reports whether a custodial key can still be recovered.
type CustodyCheck struct {
	KeyID       string               `json:"key_id"`
	AccountID   string               `json:"account_id"`
	Algorithm   interfaces.Algorithm `json:"algorithm"`
	Provider    string               `json:"provider"`
	Status      interfaces.KeyStatus `json:"status"`
	Recoverable bool                 `json:"recoverable"`
	Error       string               `json:"error,omitempty"`
	CheckedAt   time.Time            `json:"checked_at"`
}

// CheckCustody fetches the sealed blob of a key, unseals it through the
// vault and proves the private half matches the registered public key. The
// plaintext never leaves this call. Lookup failures are returned as errors;
// recovery failures are reported in the result.
func (o *Orchestrator) CheckCustody(ctx context.Context, keyID string) (CustodyCheck, error) {
	key, err := o.store.GetKey(ctx, keyID)
	if err != nil {
		return CustodyCheck{}, fmt.Errorf("failed to load key %s: %w", keyID, err)
	}
	account, err := o.store.GetAccount(ctx, key.AccountID)
	if err != nil {
		return CustodyCheck{}, fmt.Errorf("failed to load account %s: %w", key.AccountID, err)
	}

	check := CustodyCheck{
		KeyID:     key.KeyID,
		AccountID: key.AccountID,
		Algorithm: key.Algorithm,
		Provider:  key.Provider,
		Status:    key.Status,
		CheckedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, o.KeyTimeout)
	defer cancel()

	if err := o.unsealAndProve(ctx, account, key); err != nil {
		check.Error = err.Error()
		o.log.Warn("Custodial key is not recoverable",
			slog.String("key_id", key.KeyID),
			slog.String("account_id", key.AccountID),
			slog.String("provider", key.Provider),
			"err", err)
		return check, nil
	}

	check.Recoverable = true
	return check, nil
}

func (o *Orchestrator) unsealAndProve(ctx context.Context, account interfaces.Account, key interfaces.AccountKey) error {
	scheme, err := cryptoutils.SchemeFor(key.Algorithm)
	if err != nil {
		return err
	}

	sealed, err := o.blobs.Get(ctx, key.EncryptedKeyRef)
	if err != nil {
		return fmt.Errorf("failed to fetch sealed key: %w", err)
	}

	priv, err := o.vault.Decrypt(ctx, sealed, interfaces.EncryptionContext{
		AccountID: account.ID,
		Algorithm: key.Algorithm,
		Address:   account.Address,
	})
	if err != nil {
		return fmt.Errorf("failed to unseal key: %w", err)
	}
	defer cryptoutils.WipeBytes(priv)

	sig, err := scheme.Sign(priv, custodyChallenge)
	if err != nil {
		return fmt.Errorf("failed to sign with unsealed key: %w", err)
	}
	if err := scheme.Verify(key.PublicKey, custodyChallenge, sig); err != nil {
		return fmt.Errorf("unsealed key does not match public key: %w", err)
	}
	return nil
}
