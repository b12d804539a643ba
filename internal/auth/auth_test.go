package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
)

func TestVerifierRoundTrip(t *testing.T) {
	v, err := auth.NewVerifier("secret", "messenger")
	require.NoError(t, err)

	token, err := v.Sign("user-1", time.Minute)
	require.NoError(t, err)
	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)
}

func TestVerifierRejects(t *testing.T) {
	v, _ := auth.NewVerifier("secret", "messenger")
	other, _ := auth.NewVerifier("other", "messenger")
	foreign, _ := auth.NewVerifier("secret", "elsewhere")

	expired, err := v.Sign("user-1", -time.Minute)
	require.NoError(t, err)
	wrongKey, _ := other.Sign("user-1", time.Minute)
	wrongIssuer, _ := foreign.Sign("user-1", time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"alg none":     none,
		"garbage":      "not-a-token",
	} {
		_, err := v.Verify(token)
		assert.ErrorIs(t, err, auth.ErrInvalidToken, name)
	}

	_, err = auth.NewVerifier("", "x")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", auth.BearerToken("Bearer abc"))
	assert.Equal(t, "abc", auth.BearerToken("bearer  abc "))
	assert.Empty(t, auth.BearerToken("Basic abc"))
	assert.Empty(t, auth.BearerToken(""))
}

func TestSessionLifecycle(t *testing.T) {
	v, _ := auth.NewVerifier("secret", "")
	s := auth.NewSession(v, zerolog.Nop())
	ctx := context.Background()

	_, err := s.CurrentUser(ctx)
	assert.ErrorIs(t, err, auth.ErrSignedOut)

	var seen []string
	cancel := s.OnChange(func(id string) { seen = append(seen, id) })

	token, _ := v.Sign("user-1", time.Minute)
	id, err := s.SignIn(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)
	assert.Equal(t, token, s.Token())

	current, err := s.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", current)

	_, err = s.SignIn("bogus")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	current, _ = s.CurrentUser(ctx)
	assert.Equal(t, "user-1", current, "failed sign in keeps the session")

	s.SignOut()
	cancel()
	_, _ = s.SignIn(token)

	assert.Equal(t, []string{"user-1", ""}, seen)
}
