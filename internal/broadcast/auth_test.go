package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key")

func TestTokenRoundTrip(t *testing.T) {
	claims := Claims{
		SubscriberID: "sub-42",
		Permissions:  []string{"price", "whale"},
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}
	token, err := SignToken(claims, testSecret)
	require.NoError(t, err)

	got, err := VerifyToken(token, testSecret, time.Now())
	require.NoError(t, err)
	require.Equal(t, "sub-42", got.SubscriberID)
	require.Equal(t, claims.Permissions, got.Permissions)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	token, err := SignToken(Claims{SubscriberID: "sub"}, testSecret)
	require.NoError(t, err)

	_, err = VerifyToken(token, []byte("other-secret"), time.Now())
	require.ErrorIs(t, err, ErrTokenSignature)
}

func TestTokenTamperedPayloadRejected(t *testing.T) {
	token, err := SignToken(Claims{SubscriberID: "sub"}, testSecret)
	require.NoError(t, err)

	tampered := "x" + token[1:]
	_, err = VerifyToken(tampered, testSecret, time.Now())
	require.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Minute)
	token, err := SignToken(Claims{SubscriberID: "sub", ExpiresAt: exp.Unix()}, testSecret)
	require.NoError(t, err)

	_, err = VerifyToken(token, testSecret, exp.Add(time.Second))
	require.ErrorIs(t, err, ErrTokenExpired)

	// Exactly at expiry is rejected too.
	_, err = VerifyToken(token, testSecret, exp)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenMalformed(t *testing.T) {
	for _, bad := range []string{"", "noseparator", "a.b.c", "!!!.???"} {
		_, err := VerifyToken(bad, testSecret, time.Now())
		require.Error(t, err, "token %q", bad)
	}
}

func TestPermissions(t *testing.T) {
	scoped := &Claims{Permissions: []string{"price"}}
	require.True(t, scoped.HasPermission("price"))
	require.False(t, scoped.HasPermission("whale"))

	// Legacy tokens without a permission list grant everything.
	legacy := &Claims{}
	require.True(t, legacy.HasPermission("whale"))
}
