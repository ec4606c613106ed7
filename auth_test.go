package main

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polysig/verinode/pkg/sig"
)

func newTestAuthManager(t *testing.T) *AuthManager {
	t.Helper()
	signingKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	am, err := NewAuthManager(signingKey)
	require.NoError(t, err)
	return am
}

func TestAuthManagerChallenges(t *testing.T) {
	am := newTestAuthManager(t)
	identity := "0x1234567890123456789012345678901234567890"

	t.Run("generated challenge is pending", func(t *testing.T) {
		token, err := am.GenerateChallenge(identity, sig.SchemeUnknown, "keys.manage")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		challenge, err := am.GetChallenge(token)
		require.NoError(t, err)
		assert.False(t, challenge.Completed)
		assert.Equal(t, identity, challenge.Identity)
		assert.Equal(t, "keys.manage", challenge.Scope)
	})

	t.Run("identity must be 0x-prefixed hex", func(t *testing.T) {
		_, err := am.GenerateChallenge("1234567890123456789012345678901234567890", sig.SchemeUnknown, "")
		assert.Error(t, err)
	})

	t.Run("identity is normalized and scheme preserved", func(t *testing.T) {
		token, err := am.GenerateChallenge("0XABCDEF1234567890123456789012345678901234", sig.SchemeEdDSA, "")
		require.NoError(t, err)

		challenge, err := am.GetChallenge(token)
		require.NoError(t, err)
		assert.Equal(t, "0xabcdef1234567890123456789012345678901234", challenge.Identity)
		assert.Equal(t, sig.SchemeEdDSA, challenge.Scheme)
	})

	t.Run("completing opens a session, replay is rejected", func(t *testing.T) {
		token, err := am.GenerateChallenge(identity, sig.SchemeUnknown, "")
		require.NoError(t, err)

		require.NoError(t, am.CompleteChallenge(token))
		assert.True(t, am.ValidateSession(identity))

		assert.Error(t, am.CompleteChallenge(token))
	})

	t.Run("unknown token is not found", func(t *testing.T) {
		_, err := am.GetChallenge([16]byte{0xff})
		assert.Error(t, err)
	})
}

func TestAuthManagerSessionLifecycle(t *testing.T) {
	am := newTestAuthManager(t)
	am.sessionTTL = 500 * time.Millisecond

	identity := "0x1234567890123456789012345678901234567890"
	am.openSession(identity)
	assert.True(t, am.ValidateSession(identity))

	// An update inside the TTL keeps the session alive.
	time.Sleep(125 * time.Millisecond)
	assert.True(t, am.UpdateSession(identity))
	assert.True(t, am.ValidateSession(identity))

	// Idle past the TTL invalidates it.
	time.Sleep(600 * time.Millisecond)
	assert.False(t, am.ValidateSession(identity))
}

func TestAuthManagerJWT(t *testing.T) {
	am := newTestAuthManager(t)
	identity := "0x1234567890123456789012345678901234567890"
	scope := "history.readonly"

	assert.False(t, am.ValidateSession(identity))

	_, token, err := am.GenerateJWT(identity, scope)
	require.NoError(t, err)

	// Issuance alone does not open a session.
	assert.False(t, am.ValidateSession(identity))

	claims, err := am.VerifyJWT(token)
	require.NoError(t, err)
	assert.Equal(t, identity, claims.Policy.Identity)
	assert.Equal(t, scope, claims.Policy.Scope)

	// Verification does.
	assert.True(t, am.ValidateSession(identity))
}

func TestAuthManagerJWTWrongIssuer(t *testing.T) {
	am := newTestAuthManager(t)

	claims := JWTClaims{
		Policy: Policy{Identity: "0x1234567890123456789012345678901234567890"},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "someone-else",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(am.signingKey)
	require.NoError(t, err)

	_, err = am.VerifyJWT(token)
	assert.Error(t, err)
}

func TestAuthManagerSessionOutlivedByJWT(t *testing.T) {
	// A still-valid JWT does not keep an idle session alive past the
	// session TTL.
	am := newTestAuthManager(t)
	am.sessionTTL = 250 * time.Millisecond

	identity := "0x1234567890123456789012345678901234567890"
	claims := JWTClaims{
		Policy: Policy{
			Identity:  identity,
			ExpiresAt: time.Now().Add(5 * time.Minute),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    jwtIssuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(am.signingKey)
	require.NoError(t, err)

	_, err = am.VerifyJWT(token)
	require.NoError(t, err)
	assert.True(t, am.ValidateSession(identity))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, am.ValidateSession(identity))
}

func TestAuthManagerUpdateExpiredSession(t *testing.T) {
	am := newTestAuthManager(t)
	am.sessionTTL = 250 * time.Millisecond

	identity := "0x1234567890123456789012345678901234567890"
	am.openSession(identity)
	assert.True(t, am.ValidateSession(identity))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, am.ValidateSession(identity))

	// UpdateSession only checks map membership, so an expired but not
	// yet collected session can be revived.
	assert.True(t, am.UpdateSession(identity))
	assert.True(t, am.ValidateSession(identity))
}
