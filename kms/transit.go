package kms

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

// TransitProvider protects keys with the HashiCorp Vault transit secrets engine.
// Plaintext never persists in Vault; only the returned ciphertext is stored.
type TransitProvider struct {
	name      string
	cost      float64
	client    *api.Client
	mountPath string
	keyName   string
	log       *slog.Logger
}

// TransitConfig configures a TransitProvider.
type TransitConfig struct {
	Name      string
	Address   string // Vault server address (e.g. https://vault.example.com:8200)
	Token     string
	MountPath string // Transit mount path (e.g. "transit")
	KeyName   string // Transit key name
	Cost      float64

	// InsecureSkipVerify disables TLS verification, for development setups only.
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// NewTransitProvider creates a Vault transit provider.
func NewTransitProvider(cfg TransitConfig, log *slog.Logger) (*TransitProvider, error) {
	if cfg.KeyName == "" {
		return nil, errors.New("transit key name is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	// Create Vault config
	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		},
		Timeout: cfg.Timeout,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "transit"
	}

	return &TransitProvider{
		name:      cfg.Name,
		cost:      cfg.Cost,
		client:    client,
		mountPath: mountPath,
		keyName:   cfg.KeyName,
		log:       log,
	}, nil
}

func (p *TransitProvider) Name() string         { return p.name }
func (p *TransitProvider) MonthlyCost() float64 { return p.cost }

// Encrypt calls transit/encrypt/<key>. The context is passed as associated data.
func (p *TransitProvider) Encrypt(ctx context.Context, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	path := fmt.Sprintf("%s/encrypt/%s", p.mountPath, p.keyName)

	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext":       base64.StdEncoding.EncodeToString(plaintext),
		"associated_data": base64.StdEncoding.EncodeToString(ec.AAD()),
	})
	if err != nil {
		p.log.Error("Transit encrypt failed",
			slog.String("provider", p.name),
			slog.String("path", path),
			"err", err)
		return interfaces.SealedKey{}, fmt.Errorf("transit encrypt: %w", err)
	}

	ciphertext, err := stringField(secret, "ciphertext")
	if err != nil {
		return interfaces.SealedKey{}, err
	}

	return interfaces.SealedKey{
		Provider:   p.name,
		KeyRef:     p.keyName,
		Ciphertext: []byte(ciphertext),
	}, nil
}

// Decrypt calls transit/decrypt/<key>.
func (p *TransitProvider) Decrypt(ctx context.Context, sealed interfaces.SealedKey, ec interfaces.EncryptionContext) ([]byte, error) {
	keyName := sealed.KeyRef
	if keyName == "" {
		keyName = p.keyName
	}
	path := fmt.Sprintf("%s/decrypt/%s", p.mountPath, keyName)

	secret, err := p.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext":      string(sealed.Ciphertext),
		"associated_data": base64.StdEncoding.EncodeToString(ec.AAD()),
	})
	if err != nil {
		return nil, fmt.Errorf("transit decrypt: %w", err)
	}

	encoded, err := stringField(secret, "plaintext")
	if err != nil {
		return nil, err
	}

	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid plaintext encoding in Vault response: %w", err)
	}
	return plaintext, nil
}

// Health queries sys/health; a sealed or uninitialized Vault is unhealthy.
func (p *TransitProvider) Health(ctx context.Context) interfaces.ProviderHealth {
	start := time.Now()
	health := interfaces.ProviderHealth{Provider: p.name}

	resp, err := p.client.Sys().HealthWithContext(ctx)
	health.ResponseTime = time.Since(start)
	health.CheckedAt = time.Now()

	switch {
	case err != nil:
		health.Error = err.Error()
	case !resp.Initialized:
		health.Error = "vault is not initialized"
	case resp.Sealed:
		health.Error = "vault is sealed"
	default:
		health.Healthy = true
	}
	return health
}

func stringField(secret *api.Secret, field string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", errors.New("empty response from Vault")
	}
	value, ok := secret.Data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%s missing in Vault response", field)
	}
	return value, nil
}
