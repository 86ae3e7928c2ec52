package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/ledger-key-custody/accounts"
	"github.com/ruteri/ledger-key-custody/cache"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/database"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/ruteri/ledger-key-custody/kms"
	"github.com/ruteri/ledger-key-custody/storage"
	"github.com/ruteri/ledger-key-custody/substitution"
	"github.com/ruteri/ledger-key-custody/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	router http.Handler
	store  *database.MemoryStore
	vault  *kms.KeyVaultFactory
	blobs  *storage.SealedKeyBlobs
}

func newTestEnv(t *testing.T, admin *ShareAdmin) *testEnv {
	t.Helper()
	log := testLogger()

	masterKey, err := cryptoutils.RandomBytes(32)
	require.NoError(t, err)
	local, err := kms.NewLocalProvider("local", masterKey, 1, log)
	require.NoError(t, err)
	vault := kms.NewKeyVaultFactory(log, time.Second, 5*time.Second)
	require.NoError(t, vault.Register(local))

	backend, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)
	blobs := storage.NewSealedKeyBlobs(backend)

	store := database.NewMemoryStore()
	keyCache := cache.NewPublicKeyCache(cache.NewMemoryBackend(cache.DefaultTTL, time.Minute), log)
	subs := substitution.NewService(store, log)
	orchestrator := accounts.NewOrchestrator(store, vault, blobs, keyCache, subs, log)
	engine := verification.NewEngine(store, keyCache, log)

	srv, err := New(&HTTPServerConfig{Log: log}, NewHandler(orchestrator, engine, subs, vault, keyCache, log), admin)
	require.NoError(t, err)

	return &testEnv{router: srv.getRouter(), store: store, vault: vault, blobs: blobs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// unsealKey recovers the custodial private key of an account key.
func (e *testEnv) unsealKey(t *testing.T, account interfaces.Account, keyID string) []byte {
	t.Helper()
	ctx := context.Background()
	key, err := e.store.GetKey(ctx, keyID)
	require.NoError(t, err)
	sealed, err := e.blobs.Get(ctx, key.EncryptedKeyRef)
	require.NoError(t, err)
	priv, err := e.vault.Decrypt(ctx, sealed, interfaces.EncryptionContext{
		AccountID: account.ID,
		Algorithm: key.Algorithm,
		Address:   account.Address,
	})
	require.NoError(t, err)
	return priv
}

func TestCreateAccountAndVerify(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/accounts", accounts.CreateAccountRequest{
		Algorithms:              []string{"EC256"},
		GenerateSubstitutionKey: true,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[accounts.CreationResult](t, rr)
	require.Len(t, created.Keys, 1)
	require.True(t, created.Keys[0].Success, created.Keys[0].Error)
	assert.Equal(t, "local", created.Keys[0].Provider)
	require.NotNil(t, created.SubstitutionKey)
	assert.NotEmpty(t, created.SubstitutionKey.PrivateKey)

	priv := env.unsealKey(t, created.Account, created.Keys[0].KeyID)
	payload := json.RawMessage(`{"op":"transfer","to":"0xabc","amount":"12.5"}`)
	canonical, err := cryptoutils.CanonicalizePayload(payload)
	require.NoError(t, err)
	scheme, err := cryptoutils.SchemeFor(interfaces.EC256)
	require.NoError(t, err)
	sig, err := scheme.Sign(priv, canonical)
	require.NoError(t, err)

	envelope := interfaces.SignedRequest{
		Payload: payload,
		Signature: &interfaces.SignatureBlock{
			AccountID:      created.Account.ID,
			Algorithm:      "EC256",
			SignatureValue: base64.StdEncoding.EncodeToString(sig),
			Nonce:          "nonce-1",
			Timestamp:      time.Now().UTC(),
		},
	}

	rr = env.do(t, http.MethodPost, "/api/v1/verify", envelope)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[verification.Result](t, rr)
	assert.True(t, res.Valid, res.Message)
	assert.Equal(t, verification.CodeOK, res.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/verify", envelope)
	require.Equal(t, http.StatusOK, rr.Code)
	res = decode[verification.Result](t, rr)
	assert.False(t, res.Valid)
	assert.Equal(t, verification.CodeReplayAttack, res.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[struct {
		Verification verification.Stats `json:"verification"`
		Cache        cache.CacheStats   `json:"cache"`
	}](t, rr)
	assert.Equal(t, int64(2), stats.Verification.TotalAttempts)
	assert.Equal(t, int64(1), stats.Verification.ReplaysDetected)
}

func TestCreateAccount_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/accounts", accounts.CreateAccountRequest{Algorithms: []string{"RSA"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/accounts", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/accounts", `{"unexpected":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/accounts", accounts.CreateAccountRequest{Address: "0xdup", Algorithms: []string{"EC256"}})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = env.do(t, http.MethodPost, "/api/v1/accounts", accounts.CreateAccountRequest{Address: "0xdup", Algorithms: []string{"EC256"}})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestVerify_MalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/verify", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/verify", `{"payload":{"a":1}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[verification.Result](t, rr)
	assert.Equal(t, verification.CodeInvalidSignature, res.Code)
}

func TestRotateKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/accounts", accounts.CreateAccountRequest{Algorithms: []string{"EC256"}})
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[accounts.CreationResult](t, rr)

	rr = env.do(t, http.MethodPost, "/api/v1/accounts/"+created.Account.ID+"/keys/ec256/rotate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rotated := decode[accounts.KeyResult](t, rr)
	assert.True(t, rotated.Success)
	assert.NotEqual(t, created.Keys[0].KeyID, rotated.KeyID)

	rr = env.do(t, http.MethodPost, "/api/v1/accounts/"+created.Account.ID+"/keys/RSA/rotate", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/accounts/missing/keys/EC256/rotate", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCheckCustody(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/accounts", accounts.CreateAccountRequest{})
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decode[accounts.CreationResult](t, rr)

	for _, kr := range created.Keys {
		rr = env.do(t, http.MethodPost, "/api/v1/keys/"+kr.KeyID+"/custody-check", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		check := decode[accounts.CustodyCheck](t, rr)
		assert.True(t, check.Recoverable, check.Error)
		assert.Equal(t, kr.Algorithm, check.Algorithm)
		assert.Equal(t, created.Account.ID, check.AccountID)
		assert.NotContains(t, rr.Body.String(), "private")
	}

	rr = env.do(t, http.MethodPost, "/api/v1/keys/missing/custody-check", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubstitutionKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	const address = "0x1111111111111111111111111111111111111111"

	rr := env.do(t, http.MethodPost, "/api/v1/substitution-keys", map[string]any{"address": address})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	key := decode[interfaces.SubstitutionKeyPair](t, rr)
	require.NotEmpty(t, key.PrivateKey)

	data := []byte("delegated action")
	sig, err := cryptoutils.SignWithSubstitutionKey(key.PrivateKey, data)
	require.NoError(t, err)

	rr = env.do(t, http.MethodPost, "/api/v1/substitution-keys/"+key.KeyID+"/verify", map[string]any{
		"data":             data,
		"signature":        sig,
		"expected_address": address,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	outcome := decode[substitutionVerifyResponse](t, rr)
	assert.True(t, outcome.Success, outcome.Error)
	assert.True(t, outcome.SignatureValid)
	assert.True(t, outcome.AuthorizedForAddress)

	rr = env.do(t, http.MethodPut, "/api/v1/substitution-keys/"+key.KeyID+"/expiration", map[string]any{
		"expires_at": time.Now().Add(30 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/v1/substitution-keys/rotate", map[string]any{"address": address})
	require.Equal(t, http.StatusCreated, rr.Code)
	next := decode[interfaces.SubstitutionKeyPair](t, rr)

	rr = env.do(t, http.MethodPost, "/api/v1/substitution-keys/"+key.KeyID+"/verify", map[string]any{
		"data":      data,
		"signature": sig,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	outcome = decode[substitutionVerifyResponse](t, rr)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.SignatureValid)
	assert.False(t, outcome.AuthorizedForAddress)
	assert.Contains(t, outcome.Error, "inactive")

	rr = env.do(t, http.MethodPut, "/api/v1/substitution-keys/"+key.KeyID+"/expiration", map[string]any{
		"expires_at": time.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/substitution-keys/"+next.KeyID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]bool{"revoked": true}, decode[map[string]bool](t, rr))

	rr = env.do(t, http.MethodPost, "/api/v1/substitution-keys/unknown/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/substitution-keys?address="+address, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Keys []interfaces.SubstitutionKeyPair `json:"keys"`
	}](t, rr)
	require.Len(t, list.Keys, 2)
	for _, k := range list.Keys {
		assert.Empty(t, k.PrivateKey)
		assert.False(t, k.Active)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/substitution-keys", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/substitution-keys", map[string]any{"address": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVaultStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/vault/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode[struct {
		Providers    []interfaces.ProviderHealth `json:"providers"`
		CostAnalysis interfaces.CostAnalysis     `json:"cost_analysis"`
	}](t, rr)
	require.Len(t, status.Providers, 1)
	assert.True(t, status.Providers[0].Healthy)
	assert.Equal(t, "local", status.CostAnalysis.Optimal)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	steps := []struct {
		path   string
		code   int
		status string
	}{
		{"/livez", http.StatusOK, "alive"},
		{"/readyz", http.StatusOK, "ready"},
		{"/drain", http.StatusOK, "draining"},
		{"/drain", http.StatusOK, "already draining"},
		{"/readyz", http.StatusServiceUnavailable, "not ready"},
		{"/undrain", http.StatusOK, "ready"},
		{"/undrain", http.StatusOK, "already ready"},
		{"/readyz", http.StatusOK, "ready"},
	}
	for _, s := range steps {
		rr := env.do(t, http.MethodGet, s.path, nil)
		assert.Equal(t, s.code, rr.Code, s.path)
		assert.Equal(t, s.status, decode[map[string]string](t, rr)["status"], s.path)
	}
}
