package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", "HS256", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("ada@example.com")
	require.NoError(t, err)

	subject, err := issuer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", subject)
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", "HS256", time.Hour)
	require.NoError(t, err)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := issuer.Issue("ada@example.com")
	require.NoError(t, err)

	issuer.now = time.Now
	_, err = issuer.Parse(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenIssuer_RejectsOtherSecretAndAlgorithm(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", "HS256", time.Hour)
	require.NoError(t, err)

	other, err := NewTokenIssuer("another-secret", "HS256", time.Hour)
	require.NoError(t, err)
	token, err := other.Issue("ada@example.com")
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	require.ErrorIs(t, err, ErrTokenInvalid)

	hs512, err := NewTokenIssuer("test-secret", "HS512", time.Hour)
	require.NoError(t, err)
	token, err = hs512.Issue("ada@example.com")
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenIssuer_RejectsUnsignedToken(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", "HS256", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ada@example.com",
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = issuer.Parse(unsigned)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = issuer.Parse("not-a-token")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewTokenIssuer_RejectsNonHMAC(t *testing.T) {
	_, err := NewTokenIssuer("test-secret", "RS256", time.Hour)
	require.Error(t, err)
	_, err = NewTokenIssuer("", "HS256", time.Hour)
	require.Error(t, err)
}
