package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// StaticKeySource serves a fixed key, used for local development and tests.
type StaticKeySource []byte

func (s StaticKeySource) SigningKey(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("empty signing key")
	}
	return []byte(s), nil
}

// SecretsManagerAPI is the slice of the Secrets Manager client the key
// source uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// secretValue is the JSON shape stored in Secrets Manager. Secrets holding a
// bare string instead of JSON are accepted as the key itself.
type secretValue struct {
	Algorithm  string `json:"algorithm"`
	SigningKey string `json:"signing_key"`
}

// CachedKeySource fetches the signing key from Secrets Manager and caches it
// for a refresh interval so steady-state token work stays off the secrets
// API.
type CachedKeySource struct {
	client   SecretsManagerAPI
	secretID string
	refresh  time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	key       []byte
	fetchedAt time.Time
}

// NewCachedKeySource builds a key source for the given secret reference.
func NewCachedKeySource(client SecretsManagerAPI, secretID string, refresh time.Duration) *CachedKeySource {
	return &CachedKeySource{
		client:   client,
		secretID: secretID,
		refresh:  refresh,
		now:      time.Now,
	}
}

// SigningKey returns the cached key, refreshing it from Secrets Manager once
// the refresh interval has elapsed.
func (c *CachedKeySource) SigningKey(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	if c.key != nil && c.now().Sub(c.fetchedAt) < c.refresh {
		key := c.key
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil && c.now().Sub(c.fetchedAt) < c.refresh {
		return c.key, nil
	}

	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.secretID),
	})
	if err != nil {
		// A stale key is still a valid key; keep serving it rather than
		// failing every token operation during a secrets outage.
		if c.key != nil {
			return c.key, nil
		}
		return nil, fmt.Errorf("get secret %s: %w", c.secretID, err)
	}
	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return nil, fmt.Errorf("secret %s has no string value", c.secretID)
	}

	key := raw
	var sv secretValue
	if err := json.Unmarshal([]byte(raw), &sv); err == nil && sv.SigningKey != "" {
		key = sv.SigningKey
	}

	c.key = []byte(key)
	c.fetchedAt = c.now()
	return c.key, nil
}
