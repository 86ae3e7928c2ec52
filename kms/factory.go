package kms

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ruteri/ledger-key-custody/interfaces"
)

// ProviderFactory creates key vault providers from URI strings.
type ProviderFactory struct {
	log *slog.Logger
}

// NewProviderFactory creates a new factory instance.
func NewProviderFactory(logger *slog.Logger) *ProviderFactory {
	return &ProviderFactory{log: logger}
}

// ProviderFor creates a provider from a URI.
// The URI format is [scheme]://[host[:port]][/path][?params]
//
// Supported schemes:
//   - local://name?seed=<64 hex chars>&cost=1 - in-process sealing with a master seed
//   - local://name?passphrase=...&salt=...&cost=1 - master key derived with Argon2id
//   - local://name?threshold=3&cost=1 - locked until threshold master key shares are submitted
//   - vault://host:port/<transit-mount>/<key>?token=...&tls=true&cost=5 - Vault transit
//   - awskms://<key-id-or-alias>?region=us-east-1&endpoint=...&cost=10 - AWS KMS envelope encryption
//
// Every scheme accepts name= to override the provider name.
func (pf *ProviderFactory) ProviderFor(uri string) (interfaces.KeyVaultProvider, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	cost, err := parseCost(u.Query().Get("cost"))
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "local":
		return pf.createLocalProvider(u, cost)
	case "vault":
		return pf.createTransitProvider(u, cost)
	case "awskms":
		return pf.createAWSKMSProvider(u, cost)
	default:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedProvider, u.Scheme)
	}
}

// ProvidersFor creates providers for all URIs, failing on the first invalid one.
func (pf *ProviderFactory) ProvidersFor(uris []string) ([]interfaces.KeyVaultProvider, error) {
	providers := make([]interfaces.KeyVaultProvider, 0, len(uris))
	for _, uri := range uris {
		p, err := pf.ProviderFor(uri)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", redactURI(uri), err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// createLocalProvider creates an in-process provider.
// URI format: local://name?seed=<hex>, local://name?passphrase=...&salt=...
// or local://name?threshold=<n>
func (pf *ProviderFactory) createLocalProvider(u *url.URL, cost float64) (interfaces.KeyVaultProvider, error) {
	pf.log.Debug("Creating local provider", slog.String("uri", redactURI(u.String())))

	query := u.Query()
	name := providerName(u, "local")

	if seedHex := query.Get("seed"); seedHex != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
		if err != nil || len(seed) != 32 {
			return nil, fmt.Errorf("invalid seed - must be 64 hex chars (32 bytes)")
		}
		return NewLocalProvider(name, seed, cost, pf.log)
	}

	if passphrase := query.Get("passphrase"); passphrase != "" {
		return NewLocalProviderFromPassphrase(name, passphrase, []byte(query.Get("salt")), cost, pf.log)
	}

	if t := query.Get("threshold"); t != "" {
		threshold, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", t, err)
		}
		return NewLockedLocalProvider(name, threshold, cost, pf.log)
	}

	return nil, fmt.Errorf("local provider requires seed, passphrase or threshold")
}

// createTransitProvider creates a Vault transit provider.
// URI format: vault://host:port/<transit-mount>/<key>?token=...&tls=true
func (pf *ProviderFactory) createTransitProvider(u *url.URL, cost float64) (interfaces.KeyVaultProvider, error) {
	pf.log.Debug("Creating Vault transit provider", slog.String("uri", redactURI(u.String())))

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return nil, fmt.Errorf("invalid Vault URI format, expected vault://host:port/<mount>/<key>")
	}

	query := u.Query()
	scheme := "http"
	if query.Get("tls") == "true" {
		scheme = "https"
	}

	return NewTransitProvider(TransitConfig{
		Name:               providerName(u, "vault"),
		Address:            fmt.Sprintf("%s://%s", scheme, u.Host),
		Token:              query.Get("token"),
		MountPath:          strings.Join(parts[:len(parts)-1], "/"),
		KeyName:            parts[len(parts)-1],
		Cost:               cost,
		InsecureSkipVerify: query.Get("insecure") == "true",
	}, pf.log)
}

// createAWSKMSProvider creates an AWS KMS provider.
// URI format: awskms://alias/my-key?region=us-east-1 or awskms://?key_id=<arn>
func (pf *ProviderFactory) createAWSKMSProvider(u *url.URL, cost float64) (interfaces.KeyVaultProvider, error) {
	pf.log.Debug("Creating AWS KMS provider", slog.String("uri", redactURI(u.String())))

	query := u.Query()
	keyID := query.Get("key_id")
	if keyID == "" {
		keyID = strings.TrimSuffix(u.Host+u.Path, "/")
	}

	region := query.Get("region")
	if region == "" {
		region = "us-east-1" // Default region
	}

	client, err := NewAWSKMSClient(region, query.Get("endpoint"))
	if err != nil {
		return nil, err
	}

	return NewAWSKMSProvider(providerName(u, "awskms"), client, keyID, cost, pf.log)
}

func providerName(u *url.URL, scheme string) string {
	if name := u.Query().Get("name"); name != "" {
		return name
	}
	if u.Host != "" {
		return scheme + "-" + u.Hostname()
	}
	return scheme
}

func parseCost(value string) (float64, error) {
	if value == "" {
		return 1, nil
	}
	cost, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cost %q: %w", value, err)
	}
	return cost, nil
}

// redactURI strips secrets from a provider URI before logging.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	query := u.Query()
	for _, secret := range []string{"seed", "passphrase", "token"} {
		if query.Has(secret) {
			query.Set(secret, "redacted")
		}
	}
	u.RawQuery = query.Encode()
	u.User = nil
	return u.String()
}
