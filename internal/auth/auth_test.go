package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/propcare-billing/internal/billing"
)

const (
	testSecret = "super-secret-jwt-token"
	testURL    = "https://project.supabase.co"
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, testURL+"/")
	require.NoError(t, err)
	return v
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(" ", testURL)
	assert.Equal(t, billing.KindConfiguration, billing.KindOf(err))
}

func TestGetUserAcceptsIssuedToken(t *testing.T) {
	v := newVerifier(t)
	token, err := v.IssueToken("user-1", "owner@example.com", time.Hour)
	require.NoError(t, err)

	id, err := v.GetUser(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, "owner@example.com", id.Email)
}

func TestGetUserRejectsInvalidTokens(t *testing.T) {
	v := newVerifier(t)

	expired, err := v.IssueToken("user-1", "", -time.Hour)
	require.NoError(t, err)

	other, err := NewVerifier("another-secret", testURL)
	require.NoError(t, err)
	wrongKey, err := other.IssueToken("user-1", "", time.Hour)
	require.NoError(t, err)

	foreign, err := NewVerifier(testSecret, "https://elsewhere.supabase.co")
	require.NoError(t, err)
	wrongIssuer, err := foreign.IssueToken("user-1", "", time.Hour)
	require.NoError(t, err)

	noSubject, err := v.IssueToken("", "", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
		"alg none":     none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.GetUser(token)
			require.Error(t, err)
			assert.ErrorIs(t, err, billing.ErrNotAuthenticated)
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, BearerToken(r))

	r.Header.Set("Authorization", "bearer abc.def")
	assert.Equal(t, "abc.def", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}

func TestRequireUser(t *testing.T) {
	v := newVerifier(t)
	token, err := v.IssueToken("user-9", "nine@example.com", time.Hour)
	require.NoError(t, err)

	handler := RequireUser(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(id.ID))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_authenticated")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-9", rec.Body.String())
}
