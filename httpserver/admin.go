package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
)

const (
	// AdminIDHeader names the administrator submitting a request.
	AdminIDHeader = "X-Admin-ID"

	// AdminSignatureHeader carries a base64 ASN.1 ECDSA P-256 signature over
	// SHA-256(request path || body).
	AdminSignatureHeader = "X-Admin-Signature"
)

// ShareReceiver is a key vault provider unlocked by master key shares.
// kms.LocalProvider created with NewLockedLocalProvider implements it.
type ShareReceiver interface {
	Name() string
	IsUnlocked() bool
	SubmitShare(share []byte) error
}

// ShareAdmin lets whitelisted administrators unlock share-protected
// providers. Every admin may submit one share per provider. Admin requests
// are authenticated with the admin's ECDSA key.
type ShareAdmin struct {
	mu           sync.Mutex
	log          *slog.Logger
	adminPubKeys map[string]*ecdsa.PublicKey
	providers    map[string]ShareReceiver
	submitted    map[string]map[string]bool // provider -> admin IDs
	completeChan chan struct{}
	completeOnce sync.Once
}

// NewShareAdmin creates the admin API for the given locked providers.
// adminPubKeys maps admin IDs to PEM public keys, as returned by LoadAdminKeys.
func NewShareAdmin(log *slog.Logger, adminPubKeys map[string][]byte, providers ...ShareReceiver) (*ShareAdmin, error) {
	keys := make(map[string]*ecdsa.PublicKey, len(adminPubKeys))
	for id, pemBytes := range adminPubKeys {
		key, err := parsePublicKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("admin %s: %w", id, err)
		}
		keys[id] = key
	}

	a := &ShareAdmin{
		log:          log,
		adminPubKeys: keys,
		providers:    make(map[string]ShareReceiver, len(providers)),
		submitted:    make(map[string]map[string]bool, len(providers)),
		completeChan: make(chan struct{}),
	}
	for _, p := range providers {
		a.providers[p.Name()] = p
		a.submitted[p.Name()] = make(map[string]bool)
	}
	a.checkComplete()
	return a, nil
}

// WaitForUnlock blocks until every provider is unlocked or ctx is done.
func (a *ShareAdmin) WaitForUnlock(ctx context.Context) error {
	select {
	case <-a.completeChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdminRouter returns the admin API router, meant to be mounted under /admin.
func (a *ShareAdmin) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", a.handleStatus)
	r.Post("/share", a.handleSubmitShare)
	return r
}

type providerUnlockStatus struct {
	Provider  string `json:"provider"`
	Unlocked  bool   `json:"unlocked"`
	Submitted int    `json:"shares_submitted"`
}

// handleStatus reports the unlock state of every provider.
//
// Endpoint: GET /admin/status
func (a *ShareAdmin) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	statuses := make([]providerUnlockStatus, 0, len(a.providers))
	for name, p := range a.providers {
		statuses = append(statuses, providerUnlockStatus{
			Provider:  name,
			Unlocked:  p.IsUnlocked(),
			Submitted: len(a.submitted[name]),
		})
	}
	a.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Provider < statuses[j].Provider })
	writeJSON(w, http.StatusOK, map[string]any{"providers": statuses})
}

// handleSubmitShare accepts one share from an authenticated admin.
//
// Endpoint: POST /admin/share
// Body: {"provider": "<name>", "share": "<base64>"}
func (a *ShareAdmin) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, body, ok := a.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission struct {
		Provider string `json:"provider"`
		Share    []byte `json:"share"`
	}
	if err := json.Unmarshal(body, &submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	defer cryptoutils.WipeBytes(submission.Share)

	a.mu.Lock()
	defer a.mu.Unlock()

	p, exists := a.providers[submission.Provider]
	if !exists {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}
	if p.IsUnlocked() {
		http.Error(w, "Provider already unlocked", http.StatusConflict)
		return
	}
	if a.submitted[submission.Provider][adminID] {
		http.Error(w, "Share already submitted by this admin", http.StatusConflict)
		return
	}

	if err := p.SubmitShare(submission.Share); err != nil {
		a.log.Error("Share submission failed",
			slog.String("admin_id", adminID),
			slog.String("provider", submission.Provider),
			"err", err)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	a.submitted[submission.Provider][adminID] = true

	unlocked := p.IsUnlocked()
	a.log.Info("Share accepted",
		slog.String("admin_id", adminID),
		slog.String("provider", submission.Provider),
		slog.Bool("unlocked", unlocked))
	if unlocked {
		a.checkComplete()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"provider": submission.Provider,
		"unlocked": unlocked,
	})
}

// checkComplete signals waiters once every provider is unlocked.
func (a *ShareAdmin) checkComplete() {
	for _, p := range a.providers {
		if !p.IsUnlocked() {
			return
		}
	}
	a.completeOnce.Do(func() { close(a.completeChan) })
}

// verifyAdmin authenticates the request and returns the admin ID and the
// consumed request body.
func (a *ShareAdmin) verifyAdmin(r *http.Request) (string, []byte, bool) {
	adminID := r.Header.Get(AdminIDHeader)
	signatureStr := r.Header.Get(AdminSignatureHeader)
	if adminID == "" || signatureStr == "" {
		return "", nil, false
	}

	pubKey, exists := a.adminPubKeys[adminID]
	if !exists {
		a.log.Warn("Authentication failed: unknown admin ID", slog.String("admin_id", adminID))
		return adminID, nil, false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureStr)
	if err != nil {
		a.log.Warn("Authentication failed: invalid signature encoding", slog.String("admin_id", adminID), "err", err)
		return adminID, nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		a.log.Error("Failed to read request body", "err", err)
		return adminID, nil, false
	}

	hash := adminMessageHash(r.URL.Path, body)
	if !ecdsa.VerifyASN1(pubKey, hash[:], signature) {
		a.log.Warn("Authentication failed: invalid signature", slog.String("admin_id", adminID))
		return adminID, nil, false
	}

	return adminID, body, true
}

func adminMessageHash(path string, body []byte) [32]byte {
	return sha256.Sum256(append([]byte(path), body...))
}

// SignAdminRequest creates a request carrying admin authentication headers.
func SignAdminRequest(ctx context.Context, method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hash := adminMessageHash(req.URL.Path, body)
	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(AdminIDHeader, adminID)
	req.Header.Set(AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return req, nil
}

// LoadAdminKeys loads admin public keys from JSON of the form
// {"admins": [{"id": "...", "pubkey": "<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}

	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if _, err := parsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}

// GenerateAdminKeyPair generates an ECDSA P-256 admin key pair as PEM strings.
func GenerateAdminKeyPair() (privPEM string, pubPEM string, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes}))
	return privPEM, pubPEM, nil
}

// ParsePrivateKey parses an ECDSA private key from PEM format.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}

	return privateKey, nil
}

func parsePublicKey(pubKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, errors.New("invalid PEM data")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	ecdsaPubKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return ecdsaPubKey, nil
}
