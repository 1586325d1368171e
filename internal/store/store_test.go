package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
)

func repositories(t *testing.T) map[string]oauth.Repository {
	t.Helper()

	sqlite, err := NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]oauth.Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqlite,
	}
}

func sampleAuthorization(id string) *oauth.Authorization {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	return &oauth.Authorization{
		AuthorizationID: id,
		ClientID:        "client-1",
		ClientSecret:    "s3cret",
		ServiceName:     "my-service",
		GrantType:       oauth.GrantAuthorizationCode,
		AccessToken:     "access-token",
		RefreshToken:    "refresh-token",
		Expires:         &expires,
		Scope:           "read write",
		TokenValues:     map[string]interface{}{"token_type": "bearer"},
	}
}

func TestRepositoryFindAbsent(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			found, err := repo.Find(context.Background(), "missing")
			require.NoError(t, err)
			assert.Nil(t, found)
		})
	}
}

func TestRepositorySaveAndFind(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stored := sampleAuthorization("auth-1")
			require.NoError(t, repo.Save(ctx, stored))

			loaded, err := repo.Find(ctx, "auth-1")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, stored.AuthorizationID, loaded.AuthorizationID)
			assert.Equal(t, stored.ClientID, loaded.ClientID)
			assert.Equal(t, stored.ClientSecret, loaded.ClientSecret)
			assert.Equal(t, stored.GrantType, loaded.GrantType)
			assert.Equal(t, stored.AccessToken, loaded.AccessToken)
			assert.Equal(t, stored.RefreshToken, loaded.RefreshToken)
			assert.Equal(t, stored.Scope, loaded.Scope)
			require.NotNil(t, loaded.Expires)
			assert.True(t, stored.Expires.Equal(*loaded.Expires))
			assert.Equal(t, "bearer", loaded.TokenValues["token_type"])
		})
	}
}

func TestRepositorySaveIsUpsert(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := sampleAuthorization("auth-upsert")
			require.NoError(t, repo.Save(ctx, first))

			second := sampleAuthorization("auth-upsert")
			second.AccessToken = "rotated-token"
			require.NoError(t, repo.Save(ctx, second))

			loaded, err := repo.Find(ctx, "auth-upsert")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, "rotated-token", loaded.AccessToken)
		})
	}
}

func TestRepositoryReplaceSupersedes(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := sampleAuthorization("auth-replace")
			old.GrantType = oauth.GrantClientCredentials
			old.RefreshToken = ""
			require.NoError(t, repo.Save(ctx, old))

			replacement := sampleAuthorization("auth-replace")
			require.NoError(t, repo.Replace(ctx, replacement))

			loaded, err := repo.Find(ctx, "auth-replace")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, oauth.GrantAuthorizationCode, loaded.GrantType)
			assert.Equal(t, "refresh-token", loaded.RefreshToken)
		})
	}
}

func TestRepositoryDelete(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Save(ctx, sampleAuthorization("auth-del")))
			require.NoError(t, repo.Delete(ctx, "auth-del"))

			loaded, err := repo.Find(ctx, "auth-del")
			require.NoError(t, err)
			assert.Nil(t, loaded)

			// Deleting a missing id is fine.
			assert.NoError(t, repo.Delete(ctx, "auth-del"))
		})
	}
}

func TestRepositoryNullExpiry(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stored := sampleAuthorization("auth-noexp")
			stored.Expires = nil
			require.NoError(t, repo.Save(ctx, stored))

			loaded, err := repo.Find(ctx, "auth-noexp")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Nil(t, loaded.Expires)
		})
	}
}

func TestRepositoryExpiringBefore(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			soon := sampleAuthorization("auth-soon")
			soonExpiry := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
			soon.Expires = &soonExpiry
			require.NoError(t, repo.Save(ctx, soon))

			later := sampleAuthorization("auth-later")
			laterExpiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
			later.Expires = &laterExpiry
			require.NoError(t, repo.Save(ctx, later))

			never := sampleAuthorization("auth-never")
			never.Expires = nil
			require.NoError(t, repo.Save(ctx, never))

			expiring, err := repo.ExpiringBefore(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, expiring, 1)
			assert.Equal(t, "auth-soon", expiring[0].AuthorizationID)
		})
	}
}
