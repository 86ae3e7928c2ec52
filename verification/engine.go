// Package verification authenticates signed requests against the public key
// registry and guards against replays.
package verification

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/metrics"
)

const (
	// DefaultTimestampWindow is the maximum distance between a request
	// timestamp and the verifier's clock, in either direction.
	DefaultTimestampWindow = 60 * time.Minute

	// DefaultNonceTTL is the expiry written with committed nonces. It only
	// drives cleanup; a committed nonce is never accepted again while its row exists.
	DefaultNonceTTL = 15 * time.Minute
)

// Store is the persistence the engine reads keys from and commits nonces to.
type Store interface {
	interfaces.RegistryStore
	interfaces.NonceStore
}

// KeyCache is the read-through cache in front of the registry.
// cache.PublicKeyCache implements it.
type KeyCache interface {
	Lookup(ctx context.Context, accountID string, alg interfaces.Algorithm) (interfaces.RegistryEntry, bool)
	Set(ctx context.Context, hash string, entry interfaces.RegistryEntry, ttl time.Duration)
}

// Result is the outcome of a verification attempt. Every attempt yields one.
type Result struct {
	Valid      bool      `json:"valid"`
	Code       Code      `json:"code"`
	Message    string    `json:"message,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Algorithm  string    `json:"algorithm,omitempty"`
	KeyHash    string    `json:"key_hash,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Engine verifies signed requests.
type Engine struct {
	store Store
	cache KeyCache
	log   *slog.Logger
	now   func() time.Time

	TimestampWindow time.Duration
	NonceTTL        time.Duration
	CacheTTL        time.Duration

	stats *counters
}

// NewEngine creates an engine. cache may be nil, in which case every lookup
// goes to the store.
func NewEngine(store Store, cache KeyCache, log *slog.Logger) *Engine {
	return &Engine{
		store:           store,
		cache:           cache,
		log:             log,
		now:             time.Now,
		TimestampWindow: DefaultTimestampWindow,
		NonceTTL:        DefaultNonceTTL,
		CacheTTL:        time.Hour,
		stats:           newCounters(time.Now()),
	}
}

// GetVerificationStats returns a snapshot of the engine counters.
func (e *Engine) GetVerificationStats() Stats {
	return e.stats.snapshot(e.now())
}

// rejection carries a failure code through the verification steps.
type rejection struct {
	code Code
	msg  string
}

func reject(code Code, format string, args ...any) *rejection {
	return &rejection{code: code, msg: fmt.Sprintf(format, args...)}
}

// VerifySignedRequest runs the verification steps in order and stops at the
// first failure. It never panics and never returns an error; the outcome is
// always described by the result code.
func (e *Engine) VerifySignedRequest(ctx context.Context, req interfaces.SignedRequest) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Panic during verification", slog.Any("panic", r))
			res = Result{
				Code:       CodeVerificationError,
				Message:    "internal verification error",
				VerifiedAt: e.now().UTC(),
			}
		}
		e.stats.record(res.Code)
		metrics.VerificationsTotal.WithLabelValues(string(res.Code)).Inc()
		metrics.VerificationDuration.Observe(time.Since(start).Seconds())
	}()

	res = Result{VerifiedAt: e.now().UTC()}
	if req.Signature != nil {
		res.AccountID = req.Signature.AccountID
	}

	entry, alg, rej := e.verify(ctx, req)
	if alg.Valid() {
		res.Algorithm = alg.String()
	}
	if rej != nil {
		res.Code = rej.code
		res.Message = rej.msg
		e.logRejection(res)
		return res
	}

	res.Valid = true
	res.Code = CodeOK
	res.KeyHash = entry.Hash
	return res
}

func (e *Engine) verify(ctx context.Context, req interfaces.SignedRequest) (interfaces.RegistryEntry, interfaces.Algorithm, *rejection) {
	canonical, alg, rej := e.validate(req)
	if rej != nil {
		return interfaces.RegistryEntry{}, alg, rej
	}
	sig := req.Signature
	accountID := sig.AccountID
	nonceHash := cryptoutils.NonceHash(sig.Nonce)

	seen, err := e.store.NonceExists(ctx, nonceHash, accountID)
	if err != nil {
		return interfaces.RegistryEntry{}, alg, reject(CodeVerificationError, "nonce lookup failed: %v", err)
	}
	if seen {
		return interfaces.RegistryEntry{}, alg, reject(CodeReplayAttack, "nonce already used")
	}

	entry, rej := e.resolveKey(ctx, accountID, alg)
	if rej != nil {
		return interfaces.RegistryEntry{}, alg, rej
	}

	signature, err := base64.StdEncoding.DecodeString(sig.SignatureValue)
	if err != nil {
		return interfaces.RegistryEntry{}, alg, reject(CodeInvalidSignature, "signature is not valid base64")
	}

	scheme, err := cryptoutils.SchemeFor(alg)
	if err != nil {
		return interfaces.RegistryEntry{}, alg, reject(CodeUnsupportedAlgorithm, "%v", err)
	}
	if err := scheme.Verify(entry.PublicKey, canonical, signature); err != nil {
		return interfaces.RegistryEntry{}, alg, reject(CodeSignatureInvalid, "signature verification failed")
	}

	now := e.now().UTC()
	err = e.store.InsertNonce(ctx, interfaces.RequestNonce{
		NonceHash:  nonceHash,
		AccountID:  accountID,
		Nonce:      sig.Nonce,
		ReceivedAt: now,
		ExpiresAt:  now.Add(e.NonceTTL),
	})
	if errors.Is(err, interfaces.ErrNonceExists) {
		return interfaces.RegistryEntry{}, alg, reject(CodeReplayAttack, "nonce already used")
	}
	if err != nil {
		return interfaces.RegistryEntry{}, alg, reject(CodeVerificationError, "failed to commit nonce: %v", err)
	}

	if err := e.store.RecordKeyUsage(ctx, entry.Hash, now); err != nil {
		e.log.Warn("Failed to record key usage",
			slog.String("account_id", accountID),
			slog.String("key_hash", entry.Hash),
			"err", err)
	}

	return entry, alg, nil
}

// validate checks the envelope and returns the canonical payload bytes.
// The algorithm is invalid until it has been parsed.
func (e *Engine) validate(req interfaces.SignedRequest) ([]byte, interfaces.Algorithm, *rejection) {
	const unknown = interfaces.AlgorithmCount

	canonical, err := cryptoutils.CanonicalizePayload(req.Payload)
	if err != nil {
		return nil, unknown, reject(CodeInvalidPayload, "%v", err)
	}

	sig := req.Signature
	if sig == nil {
		return nil, unknown, reject(CodeInvalidSignature, "missing signature block")
	}
	if strings.TrimSpace(sig.AccountID) == "" {
		return nil, unknown, reject(CodeInvalidAccountID, "missing account id")
	}

	alg, err := interfaces.ParseAlgorithm(sig.Algorithm)
	if err != nil {
		return nil, unknown, reject(CodeUnsupportedAlgorithm, "unsupported algorithm %q", sig.Algorithm)
	}

	if sig.SignatureValue == "" {
		return nil, alg, reject(CodeInvalidSignature, "missing signature value")
	}
	if sig.Nonce == "" {
		return nil, alg, reject(CodeInvalidNonce, "missing nonce")
	}

	skew := e.now().Sub(sig.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > e.TimestampWindow {
		return nil, alg, reject(CodeTimestampOutOfRange, "timestamp is %s away from server time", skew.Round(time.Second))
	}

	return canonical, alg, nil
}

// resolveKey reads the active registry entry through the cache. Cache
// failures already degrade to misses inside the cache.
func (e *Engine) resolveKey(ctx context.Context, accountID string, alg interfaces.Algorithm) (interfaces.RegistryEntry, *rejection) {
	if e.cache != nil {
		if entry, ok := e.cache.Lookup(ctx, accountID, alg); ok {
			return entry, nil
		}
	}

	entry, err := e.store.GetActiveRegistryEntry(ctx, accountID, alg)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.RegistryEntry{}, reject(CodePublicKeyNotFound, "no active %s key for account", alg)
	}
	if err != nil {
		return interfaces.RegistryEntry{}, reject(CodeVerificationError, "registry lookup failed: %v", err)
	}

	if e.cache != nil {
		e.cache.Set(ctx, entry.Hash, entry, e.CacheTTL)
	}
	return entry, nil
}

func (e *Engine) logRejection(res Result) {
	attrs := []any{
		slog.String("code", string(res.Code)),
		slog.String("account_id", res.AccountID),
		slog.String("message", res.Message),
	}
	switch {
	case res.Code == CodeVerificationError:
		e.log.Error("Verification failed", attrs...)
	case res.Code.IsSecurityViolation():
		e.log.Warn("Rejected signed request", attrs...)
	default:
		e.log.Debug("Rejected malformed request", attrs...)
	}
}
