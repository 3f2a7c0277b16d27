package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	value string
	err   error
	calls int
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.value)}, nil
}

func TestCachedKeySourceJSONSecret(t *testing.T) {
	fake := &fakeSecrets{value: `{"algorithm":"HS256","signing_key":"from-json"}`}
	src := NewCachedKeySource(fake, "wallcrawler/cdp-signing-key", 10*time.Minute)

	key, err := src.SigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("from-json"), key)
}

func TestCachedKeySourceRawSecret(t *testing.T) {
	fake := &fakeSecrets{value: "raw-key-material"}
	src := NewCachedKeySource(fake, "ref", 10*time.Minute)

	key, err := src.SigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-key-material"), key)
}

func TestCachedKeySourceCaches(t *testing.T) {
	fake := &fakeSecrets{value: "key"}
	src := NewCachedKeySource(fake, "ref", 10*time.Minute)

	for i := 0; i < 5; i++ {
		_, err := src.SigningKey(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.calls)
}

func TestCachedKeySourceRefreshAfterTTL(t *testing.T) {
	fake := &fakeSecrets{value: "key"}
	src := NewCachedKeySource(fake, "ref", 10*time.Minute)

	base := time.Now()
	src.now = func() time.Time { return base }
	_, err := src.SigningKey(context.Background())
	require.NoError(t, err)

	src.now = func() time.Time { return base.Add(11 * time.Minute) }
	_, err = src.SigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.calls)
}

func TestCachedKeySourceServesStaleOnError(t *testing.T) {
	fake := &fakeSecrets{value: "key"}
	src := NewCachedKeySource(fake, "ref", time.Minute)

	base := time.Now()
	src.now = func() time.Time { return base }
	_, err := src.SigningKey(context.Background())
	require.NoError(t, err)

	fake.err = errors.New("secretsmanager unavailable")
	src.now = func() time.Time { return base.Add(2 * time.Minute) }
	key, err := src.SigningKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), key)
}

func TestCachedKeySourceErrorWithoutCache(t *testing.T) {
	fake := &fakeSecrets{err: errors.New("access denied")}
	src := NewCachedKeySource(fake, "ref", time.Minute)

	_, err := src.SigningKey(context.Background())
	require.Error(t, err)
}

func TestStaticKeySourceEmpty(t *testing.T) {
	_, err := StaticKeySource(nil).SigningKey(context.Background())
	require.Error(t, err)
}
