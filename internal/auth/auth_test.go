package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/xerrors"

	"attendboard/internal/auth"
	"attendboard/internal/testutil"
)

func TestIssueParse(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	issuer := auth.NewIssuer("attendboard", "secret", 15*time.Minute, clock)

	tok, err := issuer.Issue("ops", auth.RoleAdmin)
	require.NoError(t, err)
	require.True(t, tok.ExpiresAt.Equal(clock.Now().Add(15*time.Minute)))

	claims, err := issuer.Parse(tok.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "ops", claims.Subject)
	require.Equal(t, auth.RoleAdmin, claims.Role)

	_, err = auth.NewIssuer("attendboard", "other", time.Minute, clock).Parse(tok.AccessToken)
	require.Error(t, err)
	_, err = auth.NewIssuer("someone-else", "secret", time.Minute, clock).Parse(tok.AccessToken)
	require.Error(t, err)

	clock.Advance(16 * time.Minute).MustWait(ctx)
	_, err = issuer.Parse(tok.AccessToken)
	require.True(t, xerrors.Is(err, jwt.ErrTokenExpired))
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	issuer := auth.NewIssuer("attendboard", "secret", time.Minute, nil)

	r := gin.New()
	r.GET("/x", auth.AdminAuth(issuer), func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, do("").Code)
	require.Equal(t, http.StatusUnauthorized, do("Bearer junk").Code)

	viewer, err := issuer.Issue("bob", "viewer")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, do("Bearer "+viewer.AccessToken).Code)

	admin, err := issuer.Issue("ops", auth.RoleAdmin)
	require.NoError(t, err)
	rec := do("bearer " + admin.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ops", rec.Body.String())
}

func TestKeyMatches(t *testing.T) {
	t.Parallel()
	require.True(t, auth.KeyMatches("k", "k"))
	require.False(t, auth.KeyMatches("k", "K"))
	require.False(t, auth.KeyMatches("", ""))

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.True(t, auth.KeyMatches(string(hash), "s3cret"))
	require.False(t, auth.KeyMatches(string(hash), "guess"))
}
