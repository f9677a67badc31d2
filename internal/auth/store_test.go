package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echobridge/echobridge/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database, "scribe_sk")
}

func TestMintAndVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred, token, err := store.Mint(ctx, "Scout", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "scribe_sk_"))
	assert.NotContains(t, cred.KeyHash, token[10:], "hash must not embed the plaintext")

	verified, err := store.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, verified.ID)
	assert.Equal(t, "Scout", verified.Name)
	require.NotNil(t, verified.LastUsedAt, "verify must stamp last_used_at")

	// Verifies repeatedly until deleted.
	again, err := store.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, again.ID)
}

func TestVerifyRejectsUnknownAndMalformedTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.Mint(ctx, "Scout", nil)
	require.NoError(t, err)

	_, err = store.Verify(ctx, "scribe_sk_notarealtoken")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = store.Verify(ctx, "wrongprefix_abcdef")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = store.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDeletedTokenStopsVerifying(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred, token, err := store.Mint(ctx, "Scout", nil)
	require.NoError(t, err)

	_, err = store.Verify(ctx, token)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, cred.ID))

	_, err = store.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestScopes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("nil scopes grant everything", func(t *testing.T) {
		_, token, err := store.Mint(ctx, "OmniAgent", nil)
		require.NoError(t, err)
		cred, err := store.Verify(ctx, token)
		require.NoError(t, err)
		assert.True(t, cred.HasScope(ScopeWallWrite))
		assert.True(t, cred.HasScope(ScopeRoomsWrite))
	})

	t.Run("explicit scopes restrict", func(t *testing.T) {
		minted, token, err := store.Mint(ctx, "ReadOnly", []string{ScopeSessionsRead, ScopeWallRead})
		require.NoError(t, err)
		cred, err := store.Verify(ctx, token)
		require.NoError(t, err)
		assert.True(t, cred.HasScope(ScopeSessionsRead))
		assert.True(t, cred.HasScope(ScopeWallRead))
		assert.False(t, cred.HasScope(ScopeWallWrite))
		assert.False(t, cred.HasScope(ScopeSessionsWrite))

		// Stored as a comma-separated list, not a JSON array.
		var raw string
		require.NoError(t, store.db.GetContext(ctx, &raw,
			store.db.Rebind(`SELECT scopes FROM api_keys WHERE id = ?`), minted.ID))
		assert.Equal(t, ScopeSessionsRead+","+ScopeWallRead, raw)
	})

	t.Run("empty scope set grants nothing", func(t *testing.T) {
		_, token, err := store.Mint(ctx, "NoScopes", []string{})
		require.NoError(t, err)
		cred, err := store.Verify(ctx, token)
		require.NoError(t, err)
		assert.False(t, cred.HasScope(ScopeSessionsRead))
	})
}

func TestStoreQueriesSurvivePlaceholderRewrite(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	// The pgx driver name makes sqlx rewrite ? placeholders to $N; SQLite
	// accepts $N ordinals, so the rewritten statements run here too.
	store := NewStore(sqlx.NewDb(database.DB, "pgx"), "scribe_sk")
	ctx := context.Background()

	cred, token, err := store.Mint(ctx, "Scout", []string{ScopeWallRead})
	require.NoError(t, err)

	verified, err := store.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, verified.ID)
	assert.Equal(t, []string{ScopeWallRead}, verified.Scopes)

	byID, err := store.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "Scout", byID.Name)

	require.NoError(t, store.Delete(ctx, cred.ID))
	_, err = store.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newTestStore(t)
	ctx := context.Background()

	_, scopedToken, err := store.Mint(ctx, "Scoped", []string{ScopeWallRead})
	require.NoError(t, err)
	_, fullToken, err := store.Mint(ctx, "Full", nil)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/protected",
		RequireAuth(store),
		RequireScope(ScopeWallWrite),
		func(c *gin.Context) {
			cred := CredentialFrom(c)
			c.JSON(http.StatusOK, gin.H{"name": cred.Name})
		})

	do := func(authHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer scribe_sk_bogus").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Basic abc").Code)
	assert.Equal(t, http.StatusForbidden, do("Bearer "+scopedToken).Code)
	assert.Equal(t, http.StatusOK, do("Bearer "+fullToken).Code)
}
