package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/ledger-key-custody/accounts"
	"github.com/ruteri/ledger-key-custody/cache"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/kms"
	"github.com/ruteri/ledger-key-custody/substitution"
	"github.com/ruteri/ledger-key-custody/verification"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError pairs an HTTP status code with the underlying error.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Handler serves the custody API.
type Handler struct {
	accounts     *accounts.Orchestrator
	verifier     *verification.Engine
	substitution *substitution.Service
	vault        *kms.KeyVaultFactory
	cache        *cache.PublicKeyCache
	log          *slog.Logger
}

// NewHandler creates the API handler. keyCache may be nil.
func NewHandler(orchestrator *accounts.Orchestrator, verifier *verification.Engine, subs *substitution.Service, vault *kms.KeyVaultFactory, keyCache *cache.PublicKeyCache, log *slog.Logger) *Handler {
	return &Handler{
		accounts:     orchestrator,
		verifier:     verifier,
		substitution: subs,
		vault:        vault,
		cache:        keyCache,
		log:          log,
	}
}

// HandleVerify verifies a signed request envelope.
//
// URL format: POST /api/v1/verify
//
// Every decodable envelope yields 200 with a verification result; callers
// branch on its code. Only an undecodable body is a 400.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req interfaces.SignedRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.verifier.VerifySignedRequest(r.Context(), req))
}

// HandleCreateAccount creates an account and its keys.
//
// URL format: POST /api/v1/accounts
//
// Responds 201 even when individual keys failed; see the per-key results.
func (h *Handler) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.CreateAccountRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.accounts.CreateAccount(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// HandleRotateKey replaces an account key.
//
// URL format: POST /api/v1/accounts/{account_id}/keys/{algorithm}/rotate
func (h *Handler) HandleRotateKey(w http.ResponseWriter, r *http.Request) {
	alg, err := interfaces.ParseAlgorithm(chi.URLParam(r, "algorithm"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.accounts.RotateKey(r.Context(), chi.URLParam(r, "account_id"), alg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCheckCustody unseals a custodial key in memory and checks it against
// its registered public key. Nothing secret is returned.
//
// URL format: POST /api/v1/keys/{key_id}/custody-check
func (h *Handler) HandleCheckCustody(w http.ResponseWriter, r *http.Request) {
	check, err := h.accounts.CheckCustody(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

type substitutionKeyRequest struct {
	Address   string     `json:"address"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HandleGenerateSubstitutionKey issues a substitution key. The response is
// the only time the private key is returned.
//
// URL format: POST /api/v1/substitution-keys
func (h *Handler) HandleGenerateSubstitutionKey(w http.ResponseWriter, r *http.Request) {
	var req substitutionKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	key, err := h.substitution.Generate(r.Context(), req.Address, req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

// HandleRotateSubstitutionKey revokes the active key of an address and issues a new one.
//
// URL format: POST /api/v1/substitution-keys/rotate
func (h *Handler) HandleRotateSubstitutionKey(w http.ResponseWriter, r *http.Request) {
	var req substitutionKeyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	key, err := h.substitution.Rotate(r.Context(), req.Address)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

// HandleListSubstitutionKeys lists the keys of an address.
//
// URL format: GET /api/v1/substitution-keys?address={address}
func (h *Handler) HandleListSubstitutionKeys(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: substitution.ErrInvalidAddress})
		return
	}

	keys, err := h.substitution.List(r.Context(), address)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// HandleRevokeSubstitutionKey deactivates a key.
//
// URL format: POST /api/v1/substitution-keys/{key_id}/revoke
func (h *Handler) HandleRevokeSubstitutionKey(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.substitution.Revoke(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

// HandleUpdateSubstitutionKeyExpiration moves the expiry of an active key.
//
// URL format: PUT /api/v1/substitution-keys/{key_id}/expiration
// Body: {"expires_at": "<RFC 3339>"}
func (h *Handler) HandleUpdateSubstitutionKeyExpiration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	updated, err := h.substitution.UpdateExpiration(r.Context(), chi.URLParam(r, "key_id"), req.ExpiresAt)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

type substitutionVerifyResponse struct {
	substitution.VerificationOutcome
	Error string `json:"error,omitempty"`
}

// HandleVerifySubstitutionRequest checks a request signed with a substitution key.
//
// URL format: POST /api/v1/substitution-keys/{key_id}/verify
// Body: {"data": "<base64>", "signature": "<base64>", "expected_address": "0x..."}
func (h *Handler) HandleVerifySubstitutionRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data            []byte `json:"data"`
		Signature       []byte `json:"signature"`
		ExpectedAddress string `json:"expected_address,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	outcome := h.substitution.VerifyRequest(r.Context(), req.Data, req.Signature, chi.URLParam(r, "key_id"), req.ExpectedAddress)
	resp := substitutionVerifyResponse{VerificationOutcome: outcome}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleStats reports verification and cache statistics.
//
// URL format: GET /api/v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"verification": h.verifier.GetVerificationStats(),
	}
	if h.cache != nil {
		resp["cache"] = h.cache.Statistics()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleVaultStatus probes every key vault provider.
//
// URL format: GET /api/v1/vault/status
func (h *Handler) HandleVaultStatus(w http.ResponseWriter, r *http.Request) {
	health := h.vault.ProbeAll(r.Context())

	status := http.StatusOK
	anyHealthy := false
	for _, p := range health {
		anyHealthy = anyHealthy || p.Healthy
	}
	if !anyHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"providers":     health,
		"cost_analysis": h.vault.CostAnalysis(),
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.Is(err, accounts.ErrInvalidRequest),
		errors.Is(err, interfaces.ErrUnsupportedAlgorithm),
		errors.Is(err, substitution.ErrInvalidAddress),
		errors.Is(err, substitution.ErrInvalidExpiration),
		errors.Is(err, cryptoutils.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound),
		errors.Is(err, substitution.ErrSubstitutionKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrAccountExists),
		errors.Is(err, interfaces.ErrDuplicateActiveKey),
		errors.Is(err, substitution.ErrSubstitutionKeyInactive),
		errors.Is(err, substitution.ErrSubstitutionKeyExpired):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrNoProviders),
		errors.Is(err, interfaces.ErrAllProvidersFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a size-limited JSON body. Unknown fields are rejected.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("failed to read request body: %w", err)}
	}
	if len(body) > maxBodySize {
		return &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: errors.New("request body too large")}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("empty request body")}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
