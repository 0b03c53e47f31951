package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerRejectsEmptySecret(t *testing.T) {
	_, err := NewManager("  ", time.Hour)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestIssueAndParse(t *testing.T) {
	m, err := NewManager("s3cret", time.Hour)
	require.NoError(t, err)

	tok, issued, err := m.IssueDriverToken("drv-a")
	require.NoError(t, err)
	assert.Equal(t, RoleDriver, issued.Role)

	claims, err := m.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "drv-a", claims.DriverID())

	_, _, err = m.IssueDriverToken(" ")
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	m, err := NewManager("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewManager("different", time.Hour)
	require.NoError(t, err)

	foreign, _, err := other.IssueDriverToken("drv-a")
	require.NoError(t, err)
	_, err = m.Parse(foreign)
	assert.Error(t, err, "wrong signature")

	past := time.Now().Add(-3 * time.Hour)
	m.now = func() time.Time { return past }
	stale, _, err := m.IssueDriverToken("drv-a")
	require.NoError(t, err)
	m.now = time.Now
	_, err = m.Parse(stale)
	assert.ErrorIs(t, err, jwtlib.ErrTokenExpired)

	rider := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, &Claims{
		Role: "passenger",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "rider-1",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := rider.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = m.Parse(signed)
	assert.ErrorIs(t, err, ErrRoleForbidden)

	unsigned, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, &Claims{Role: RoleDriver}).
		SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Parse(unsigned)
	assert.Error(t, err)

	_, err = m.Parse("not.a.token")
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/trips", nil)
	_, err := TokenFromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer abc.def")
	tok, err := TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	r.Header.Set("Authorization", "bearer   xyz ")
	tok, err = TokenFromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	r.Header.Set("Authorization", "Basic dXNlcg==")
	_, err = TokenFromRequest(r)
	assert.Error(t, err)

	q := httptest.NewRequest(http.MethodGet, "/v1/live?access_token=qqq", nil)
	tok, err = TokenFromRequest(q)
	require.NoError(t, err)
	assert.Equal(t, "qqq", tok)
}

func TestAuthenticateAndContext(t *testing.T) {
	m, err := NewManager("s3cret", time.Hour)
	require.NoError(t, err)
	tok, _, err := m.IssueDriverToken("drv-b")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/trips", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	claims, err := m.Authenticate(r)
	require.NoError(t, err)

	ctx := WithClaims(context.Background(), claims)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "drv-b", got.DriverID())

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
