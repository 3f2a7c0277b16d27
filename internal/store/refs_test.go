package store

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/session"
)

func seed(t *testing.T, fake *fakeDynamo, table, key string, v interface{}) {
	t.Helper()
	item, err := attributevalue.MarshalMap(v)
	require.NoError(t, err)
	fake.table(table)[key] = item
}

func TestGetProject(t *testing.T) {
	fake := newFakeDynamo()
	st := newTestStore(fake)
	seed(t, fake, "wallcrawler-projects", "proj_1", &session.Project{
		ID:          "proj_1",
		Status:      "active",
		Concurrency: 5,
	})

	proj, err := st.GetProject(context.Background(), "proj_1")
	require.NoError(t, err)
	assert.True(t, proj.Active())
	assert.Equal(t, 5, proj.Concurrency)

	_, err = st.GetProject(context.Background(), "proj_missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetAPIKey(t *testing.T) {
	fake := newFakeDynamo()
	st := newTestStore(fake)
	hash := "0c7b9a5e8d2f4a61b3c5d7e9f1a3b5c7d9e1f3a5b7c9d1e3f5a7b9c1d3e5f7a9"
	seed(t, fake, "wallcrawler-api-keys", hash, &session.APIKey{
		KeyHash:              hash,
		APIKeyID:             "key_1",
		ProjectID:            "proj_1",
		AdditionalProjectIDs: []string{"proj_2"},
		Status:               "active",
	})

	key, err := st.GetAPIKey(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "key_1", key.APIKeyID)
	assert.Equal(t, []string{"proj_2"}, key.AdditionalProjectIDs)

	_, err = st.GetAPIKey(context.Background(), "ffffffffffffffff")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGetContextOwnership(t *testing.T) {
	fake := newFakeDynamo()
	st := newTestStore(fake)
	seed(t, fake, "wallcrawler-contexts", "ctx_1", &session.Context{
		ID:         "ctx_1",
		ProjectID:  "proj_1",
		StorageKey: "contexts/proj_1/ctx_1/profile.tar.gz",
	})

	bc, err := st.GetContext(context.Background(), "ctx_1", "proj_1")
	require.NoError(t, err)
	assert.Equal(t, "contexts/proj_1/ctx_1/profile.tar.gz", bc.StorageKey)

	_, err = st.GetContext(context.Background(), "ctx_1", "proj_other")
	require.Error(t, err)
	assert.True(t, errdefs.IsForbidden(err))
}
