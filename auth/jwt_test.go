package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestAuth(t *testing.T, key string) *Auth {
	t.Helper()
	a, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: key,
	})
	require.NoError(t, err)
	return a
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{JWTSigningKey: testKey})
	assert.Error(t, err)

	_, err = New(Options{Logger: zap.NewNop(), JWTSigningKey: "short"})
	assert.Error(t, err)
}

func serve(a *Auth, token string, handlers ...func(http.Handler) http.Handler) (*httptest.ResponseRecorder, *Claims) {
	var seen *Claims
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(Context).(*Claims)
		w.WriteHeader(http.StatusOK)
	})
	for i := len(handlers) - 1; i >= 0; i-- {
		h = handlers[i](h)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	a := newTestAuth(t, testKey)
	token, err := a.CreateTokenFromClaims(Claims{ID: 42}, time.Minute)
	require.NoError(t, err)

	rec, claims := serve(a, token, a.Middleware(), a.ClaimCheck())
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.Equal(t, uint(42), claims.ID)
	assert.False(t, claims.Admin)
}

func TestMiddlewareRejects(t *testing.T) {
	a := newTestAuth(t, testKey)
	other := newTestAuth(t, "fedcba9876543210fedcba9876543210")

	foreign, err := other.CreateTokenFromClaims(Claims{ID: 1}, time.Minute)
	require.NoError(t, err)
	expired, err := a.CreateTokenFromClaims(Claims{ID: 1}, -time.Minute)
	require.NoError(t, err)
	anonymous, err := a.CreateTokenFromClaims(Claims{}, time.Minute)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":   "",
		"garbage":   "not-a-token",
		"foreign":   foreign,
		"expired":   expired,
		"anonymous": anonymous,
	} {
		t.Run(name, func(t *testing.T) {
			rec, claims := serve(a, token, a.Middleware())
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, claims)
		})
	}
}

func TestAdminCheck(t *testing.T) {
	a := newTestAuth(t, testKey)
	user, err := a.CreateTokenFromClaims(Claims{ID: 1}, time.Minute)
	require.NoError(t, err)
	admin, err := a.CreateTokenFromClaims(Claims{ID: 2, Admin: true}, time.Minute)
	require.NoError(t, err)

	rec, _ := serve(a, user, a.Middleware(), a.AdminCheck())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, claims := serve(a, admin, a.Middleware(), a.AdminCheck())
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, claims)
	assert.True(t, claims.Admin)
}
