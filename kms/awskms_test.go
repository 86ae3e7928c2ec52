package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockKMS wraps data keys by pairing them with the encryption context, which
// is enough to check that decrypt sees the same context as encrypt.
type mockKMS struct {
	kmsiface.KMSAPI
	mock.Mock

	dataKeys map[string][]byte
}

func newMockKMS() *mockKMS {
	return &mockKMS{dataKeys: make(map[string][]byte)}
}

func contextKey(blob []byte, ec map[string]*string) string {
	return string(blob) + "|" + aws.StringValue(ec["account_id"]) + "|" + aws.StringValue(ec["algorithm"]) + "|" + aws.StringValue(ec["provider"])
}

func (m *mockKMS) GenerateDataKeyWithContext(ctx aws.Context, in *awskms.GenerateDataKeyInput, _ ...request.Option) (*awskms.GenerateDataKeyOutput, error) {
	args := m.Called(aws.StringValue(in.KeyId))
	if err := args.Error(0); err != nil {
		return nil, err
	}

	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, err
	}
	blob := make([]byte, 16)
	if _, err := rand.Read(blob); err != nil {
		return nil, err
	}
	m.dataKeys[contextKey(blob, in.EncryptionContext)] = append([]byte(nil), plaintext...)

	return &awskms.GenerateDataKeyOutput{
		KeyId:          aws.String("arn:aws:kms:us-east-1:111122223333:key/test"),
		Plaintext:      plaintext,
		CiphertextBlob: blob,
	}, nil
}

func (m *mockKMS) DecryptWithContext(ctx aws.Context, in *awskms.DecryptInput, _ ...request.Option) (*awskms.DecryptOutput, error) {
	key, ok := m.dataKeys[contextKey(in.CiphertextBlob, in.EncryptionContext)]
	if !ok {
		return nil, errors.New("InvalidCiphertextException")
	}
	return &awskms.DecryptOutput{Plaintext: append([]byte(nil), key...)}, nil
}

func (m *mockKMS) DescribeKeyWithContext(ctx aws.Context, in *awskms.DescribeKeyInput, _ ...request.Option) (*awskms.DescribeKeyOutput, error) {
	args := m.Called(aws.StringValue(in.KeyId))
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return args.Get(0).(*awskms.DescribeKeyOutput), nil
}

func TestAWSKMSProvider_EnvelopeRoundTrip(t *testing.T) {
	client := newMockKMS()
	client.On("GenerateDataKeyWithContext", "alias/ledger").Return(nil)

	p, err := NewAWSKMSProvider("aws", client, "alias/ledger", 10, testLogger())
	require.NoError(t, err)

	ec := interfaces.EncryptionContext{AccountID: "acct", Algorithm: interfaces.Falcon, Address: "0xabc"}
	sealed, err := p.Encrypt(context.Background(), []byte("falcon private key"), ec)
	require.NoError(t, err)
	assert.Equal(t, "aws", sealed.Provider)
	assert.NotEmpty(t, sealed.WrappedKey)
	assert.Contains(t, sealed.KeyRef, "arn:aws:kms")

	opened, err := p.Decrypt(context.Background(), sealed, ec)
	require.NoError(t, err)
	assert.Equal(t, []byte("falcon private key"), opened)

	other := ec
	other.AccountID = "someone-else"
	_, err = p.Decrypt(context.Background(), sealed, other)
	assert.Error(t, err)

	client.AssertExpectations(t)
}

func TestAWSKMSProvider_EncryptError(t *testing.T) {
	client := newMockKMS()
	client.On("GenerateDataKeyWithContext", "alias/ledger").Return(errors.New("AccessDeniedException"))

	p, err := NewAWSKMSProvider("aws", client, "alias/ledger", 10, testLogger())
	require.NoError(t, err)

	_, err = p.Encrypt(context.Background(), []byte("x"), interfaces.EncryptionContext{})
	assert.ErrorContains(t, err, "AccessDeniedException")
}

func TestAWSKMSProvider_Health(t *testing.T) {
	testCases := []struct {
		name    string
		out     *awskms.DescribeKeyOutput
		err     error
		healthy bool
	}{
		{
			name:    "enabled key",
			out:     &awskms.DescribeKeyOutput{KeyMetadata: &awskms.KeyMetadata{Enabled: aws.Bool(true), KeyState: aws.String(awskms.KeyStateEnabled)}},
			healthy: true,
		},
		{
			name: "disabled key",
			out:  &awskms.DescribeKeyOutput{KeyMetadata: &awskms.KeyMetadata{Enabled: aws.Bool(false), KeyState: aws.String(awskms.KeyStateDisabled)}},
		},
		{
			name: "api error",
			err:  errors.New("NotFoundException"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newMockKMS()
			client.On("DescribeKeyWithContext", "alias/ledger").Return(tc.out, tc.err)

			p, err := NewAWSKMSProvider("aws", client, "alias/ledger", 10, testLogger())
			require.NoError(t, err)

			health := p.Health(context.Background())
			assert.Equal(t, tc.healthy, health.Healthy)
			assert.Equal(t, "aws", health.Provider)
			if !tc.healthy {
				assert.NotEmpty(t, health.Error)
			}
		})
	}
}
