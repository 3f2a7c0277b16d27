package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
)

func newTestService() *Service {
	return NewService(StaticKeySource("test-signing-key"))
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	signed, err := svc.Issue(ctx, "sess_abc", "proj_1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := svc.Verify(ctx, signed, "sess_abc")
	require.NoError(t, err)
	assert.Equal(t, "sess_abc", claims.SessionID)
	assert.Equal(t, "proj_1", claims.ProjectID)
	assert.Equal(t, "sess_abc", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifySessionMismatch(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	signed, err := svc.Issue(ctx, "sess_abc", "proj_1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = svc.Verify(ctx, signed, "sess_other")
	require.Error(t, err)
	assert.True(t, errdefs.IsForbidden(err), "mismatch must be forbidden, not unauthorized")
}

func TestVerifyExpired(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	signed, err := svc.Issue(ctx, "sess_abc", "proj_1", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, err = svc.Verify(ctx, signed, "sess_abc")
	require.Error(t, err)
	assert.True(t, errdefs.IsAuth(err))
	assert.False(t, errdefs.IsForbidden(err))
}

func TestVerifyWrongKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	signed, err := svc.Issue(ctx, "sess_abc", "proj_1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	other := NewService(StaticKeySource("a-different-key"))
	_, err = other.Verify(ctx, signed, "sess_abc")
	require.Error(t, err)
	assert.True(t, errdefs.IsAuth(err))
}

func TestVerifyGarbage(t *testing.T) {
	svc := newTestService()
	_, err := svc.Verify(context.Background(), "not-a-jwt", "sess_abc")
	require.Error(t, err)
	assert.True(t, errdefs.IsAuth(err))
}

func TestVerifyWithoutTargetSkipsMatch(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	signed, err := svc.Issue(ctx, "sess_abc", "proj_1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	claims, err := svc.Verify(ctx, signed, "")
	require.NoError(t, err)
	assert.Equal(t, "sess_abc", claims.SessionID)
}
