package kms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/ledger-key-custody/cryptoutils"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

// AWSKMSProvider uses envelope encryption: a fresh AES-256 data key is
// generated by AWS KMS for every sealed key, used locally with AES-GCM and
// only kept in its KMS-encrypted form.
type AWSKMSProvider struct {
	name   string
	cost   float64
	client kmsiface.KMSAPI
	keyID  string
	log    *slog.Logger
}

// NewAWSKMSProvider creates a provider around an existing KMS client.
func NewAWSKMSProvider(name string, client kmsiface.KMSAPI, keyID string, cost float64, log *slog.Logger) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, errors.New("KMS key id is required")
	}
	return &AWSKMSProvider{
		name:   name,
		cost:   cost,
		client: client,
		keyID:  keyID,
		log:    log,
	}, nil
}

// NewAWSKMSClient creates a KMS client. Credentials come from the default
// provider chain (environment, shared config, instance role).
func NewAWSKMSClient(region, endpoint string) (kmsiface.KMSAPI, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return awskms.New(sess), nil
}

func (p *AWSKMSProvider) Name() string         { return p.name }
func (p *AWSKMSProvider) MonthlyCost() float64 { return p.cost }

// encryptionContext binds the provider's own name, so the context is the
// same at encrypt and decrypt time.
func (p *AWSKMSProvider) encryptionContext(ec interfaces.EncryptionContext) map[string]*string {
	ec.Provider = p.name
	return aws.StringMap(ec.Map())
}

func (p *AWSKMSProvider) Encrypt(ctx context.Context, plaintext []byte, ec interfaces.EncryptionContext) (interfaces.SealedKey, error) {
	out, err := p.client.GenerateDataKeyWithContext(ctx, &awskms.GenerateDataKeyInput{
		KeyId:             aws.String(p.keyID),
		KeySpec:           aws.String(awskms.DataKeySpecAes256),
		EncryptionContext: p.encryptionContext(ec),
	})
	if err != nil {
		p.log.Error("KMS GenerateDataKey failed",
			slog.String("provider", p.name),
			slog.String("key_id", p.keyID),
			"err", err)
		return interfaces.SealedKey{}, fmt.Errorf("kms generate data key: %w", err)
	}
	defer cryptoutils.WipeBytes(out.Plaintext)

	ciphertext, err := cryptoutils.Seal(out.Plaintext, plaintext, ec.AAD())
	if err != nil {
		return interfaces.SealedKey{}, fmt.Errorf("failed to seal key: %w", err)
	}

	return interfaces.SealedKey{
		Provider:   p.name,
		KeyRef:     aws.StringValue(out.KeyId),
		WrappedKey: out.CiphertextBlob,
		Ciphertext: ciphertext,
	}, nil
}

func (p *AWSKMSProvider) Decrypt(ctx context.Context, sealed interfaces.SealedKey, ec interfaces.EncryptionContext) ([]byte, error) {
	if len(sealed.WrappedKey) == 0 {
		return nil, errors.New("sealed key has no wrapped data key")
	}

	keyID := sealed.KeyRef
	if keyID == "" {
		keyID = p.keyID
	}

	out, err := p.client.DecryptWithContext(ctx, &awskms.DecryptInput{
		CiphertextBlob:    sealed.WrappedKey,
		KeyId:             aws.String(keyID),
		EncryptionContext: p.encryptionContext(ec),
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	defer cryptoutils.WipeBytes(out.Plaintext)

	return cryptoutils.Open(out.Plaintext, sealed.Ciphertext, ec.AAD())
}

// Health describes the configured key; it must exist and be enabled.
func (p *AWSKMSProvider) Health(ctx context.Context) interfaces.ProviderHealth {
	start := time.Now()
	health := interfaces.ProviderHealth{Provider: p.name}

	out, err := p.client.DescribeKeyWithContext(ctx, &awskms.DescribeKeyInput{KeyId: aws.String(p.keyID)})
	health.ResponseTime = time.Since(start)
	health.CheckedAt = time.Now()

	switch {
	case err != nil:
		health.Error = err.Error()
	case out.KeyMetadata == nil:
		health.Error = "missing key metadata"
	case !aws.BoolValue(out.KeyMetadata.Enabled):
		health.Error = fmt.Sprintf("key is %s", aws.StringValue(out.KeyMetadata.KeyState))
	default:
		health.Healthy = true
	}
	return health
}
