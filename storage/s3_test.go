package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/ledger-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	down    bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadBucketWithContext(ctx aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if f.down {
		return nil, errors.New("connection refused")
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Backend(t *testing.T) {
	client := newFakeS3()
	b := NewS3BackendWithClient(client, "ledger-keys", "/prod/", "eu-west-1", "", testLogger())
	ctx := context.Background()

	assert.Equal(t, "s3-ledger-keys", b.Name())
	assert.Equal(t, "s3://ledger-keys/prod?region=eu-west-1", b.LocationURI())
	assert.True(t, b.Available(ctx))

	data := []byte(`{"provider":"vault","ciphertext":"dmF1bHQ="}`)
	id, err := b.Store(ctx, data, interfaces.SealedKeyType)
	require.NoError(t, err)

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "prod/sealed-keys/"+id.String(), aws.StringValue(put.Key))
	assert.Equal(t, s3.ObjectCannedACLPrivate, aws.StringValue(put.ACL))
	assert.Equal(t, s3.ServerSideEncryptionAes256, aws.StringValue(put.ServerSideEncryption))

	got, err := b.Fetch(ctx, id, interfaces.SealedKeyType)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.Fetch(ctx, id, interfaces.AuditType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	client.objects["ledger-keys/prod/sealed-keys/"+id.String()] = []byte(`{}`)
	_, err = b.Fetch(ctx, id, interfaces.SealedKeyType)
	assert.ErrorIs(t, err, interfaces.ErrContentCorrupted)

	client.down = true
	assert.False(t, b.Available(ctx))
}
