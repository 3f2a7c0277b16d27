// Package token issues and verifies the per-session JWTs that gate CDP
// access. Tokens are HMAC-signed with a shared key held in Secrets Manager
// and expire together with the session they were minted for.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

const (
	issuer   = "wallcrawler"
	audience = "cdp"

	// clockSkew backdates nbf so a container with slight clock drift does
	// not reject a token minted moments earlier by the control plane.
	clockSkew = 30 * time.Second
)

// Claims is the payload carried by a session token.
type Claims struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	jwt.RegisteredClaims
}

// KeySource supplies the HMAC signing key.
type KeySource interface {
	SigningKey(ctx context.Context) ([]byte, error)
}

// Service signs and verifies session tokens.
type Service struct {
	keys KeySource
	now  func() time.Time
}

// NewService builds a token service on the given key source.
func NewService(keys KeySource) *Service {
	return &Service{keys: keys, now: time.Now}
}

// Issue mints a token bound to the session and valid until expiresAt.
func (s *Service) Issue(ctx context.Context, sessionID, projectID string, expiresAt time.Time) (string, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("signing key: %w", err)
	}

	now := s.now()
	claims := &Claims{
		SessionID: sessionID,
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-clockSkew)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. When sessionID is non-empty the token
// must have been issued for that session; a valid token for a different
// session is rejected as forbidden rather than unauthorized so callers can
// distinguish the two.
func (s *Service) Verify(ctx context.Context, tokenString, sessionID string) (*Claims, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer(issuer), jwt.WithAudience(audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errdefs.Unauthorized("token expired")
		}
		return nil, errdefs.Unauthorized("token invalid")
	}
	if !parsed.Valid || claims.SessionID == "" {
		return nil, errdefs.Unauthorized("token invalid")
	}
	if sessionID != "" && claims.SessionID != sessionID {
		return nil, errdefs.Forbidden("token not issued for this session")
	}
	return claims, nil
}
