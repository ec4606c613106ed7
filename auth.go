package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/polysig/verinode/pkg/sig"
)

const (
	jwtIssuer = "verinode"

	defaultChallengeTTL = 5 * time.Minute
	defaultSessionTTL   = 24 * time.Hour
	// Pending challenge cap so unauthenticated peers cannot grow the
	// map without bound.
	maxPendingChallenges = 1000
	// Completed challenges linger briefly before cleanup collects them.
	completedChallengeGrace = 30 * time.Second
	cleanupInterval         = 10 * time.Minute
)

// Challenge is a one-shot authentication nonce bound to a signer
// identity. The client proves control of the identity by signing the
// challenge digest.
type Challenge struct {
	Token              uuid.UUID
	Identity           string
	// Scheme is the scheme the client announced up front, SchemeUnknown
	// when the server should detect it from the signature.
	Scheme             sig.Scheme
	Scope              string
	CreatedAt          time.Time
	ChallengeExpiresAt time.Time
	Completed          bool
}

// AuthManager owns the challenge lifecycle, the set of live sessions,
// and JWT issuance.
type AuthManager struct {
	challengesMu sync.RWMutex
	challenges   map[uuid.UUID]*Challenge
	challengeTTL time.Duration

	sessionsMu sync.RWMutex
	// sessions maps a signer identity to its last activity time.
	sessions   map[string]time.Time
	sessionTTL time.Duration

	signingKey    *ecdsa.PrivateKey
	cleanupTicker *time.Ticker
}

type JWTClaims struct {
	Policy Policy `json:"policy"`
	jwt.RegisteredClaims
}

// Policy is what a session is allowed to do, embedded in the JWT.
type Policy struct {
	Identity  string    `json:"identity"`
	Scope     string    `json:"scope"` // e.g. "keys.manage", "history.readonly"
	ExpiresAt time.Time `json:"expiration"`
}

// NewAuthManager creates an auth manager that signs JWTs with signingKey.
func NewAuthManager(signingKey *ecdsa.PrivateKey) (*AuthManager, error) {
	am := &AuthManager{
		challenges:    make(map[uuid.UUID]*Challenge),
		challengeTTL:  defaultChallengeTTL,
		sessions:      make(map[string]time.Time),
		sessionTTL:    defaultSessionTTL,
		signingKey:    signingKey,
		cleanupTicker: time.NewTicker(cleanupInterval),
	}

	go am.runCleanup()
	return am, nil
}

// GenerateChallenge mints a challenge for the identity and returns its token.
func (am *AuthManager) GenerateChallenge(identity string, scheme sig.Scheme, scope string) (uuid.UUID, error) {
	parsed, err := sig.ParseIdentity(identity)
	if err != nil {
		return uuid.UUID{}, err
	}

	now := time.Now()
	challenge := &Challenge{
		Token:              uuid.New(),
		Identity:           parsed.String(),
		Scheme:             scheme,
		Scope:              scope,
		CreatedAt:          now,
		ChallengeExpiresAt: now.Add(am.challengeTTL),
	}

	am.challengesMu.Lock()
	defer am.challengesMu.Unlock()

	if len(am.challenges) >= maxPendingChallenges {
		return uuid.UUID{}, errors.New("too many pending challenges")
	}
	am.challenges[challenge.Token] = challenge

	return challenge.Token, nil
}

// GetChallenge looks up a pending challenge by token.
func (am *AuthManager) GetChallenge(token uuid.UUID) (*Challenge, error) {
	am.challengesMu.RLock()
	defer am.challengesMu.RUnlock()

	challenge, exists := am.challenges[token]
	if !exists {
		return nil, errors.New("challenge not found")
	}
	return challenge, nil
}

// CompleteChallenge consumes a challenge and opens a session for its
// identity. The caller must have verified the challenge signature first.
// Expired or already-used challenges are rejected and dropped.
func (am *AuthManager) CompleteChallenge(token uuid.UUID) error {
	am.challengesMu.Lock()
	defer am.challengesMu.Unlock()

	challenge, exists := am.challenges[token]
	if !exists {
		return errors.New("challenge not found")
	}
	if time.Now().After(challenge.ChallengeExpiresAt) {
		delete(am.challenges, token)
		return errors.New("challenge expired")
	}
	if challenge.Completed {
		delete(am.challenges, token)
		return errors.New("challenge already used")
	}

	challenge.Completed = true
	challenge.ChallengeExpiresAt = time.Now().Add(completedChallengeGrace)

	am.openSession(challenge.Identity)
	return nil
}

func (am *AuthManager) openSession(identity string) {
	am.sessionsMu.Lock()
	defer am.sessionsMu.Unlock()
	am.sessions[identity] = time.Now()
}

// ValidateSession reports whether the identity has a live session.
func (am *AuthManager) ValidateSession(identity string) bool {
	am.sessionsMu.RLock()
	defer am.sessionsMu.RUnlock()

	lastActive, exists := am.sessions[identity]
	return exists && time.Now().Before(lastActive.Add(am.sessionTTL))
}

// UpdateSession bumps the identity's last activity time. Returns false
// when no session exists.
func (am *AuthManager) UpdateSession(identity string) bool {
	am.sessionsMu.Lock()
	defer am.sessionsMu.Unlock()

	if _, exists := am.sessions[identity]; !exists {
		return false
	}
	am.sessions[identity] = time.Now()
	return true
}

// GenerateJWT issues an ES256 token carrying the session policy.
func (am *AuthManager) GenerateJWT(identity, scope string) (*JWTClaims, string, error) {
	now := time.Now()
	claims := JWTClaims{
		Policy: Policy{
			Identity:  identity,
			Scope:     scope,
			ExpiresAt: now.Add(am.sessionTTL),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(am.sessionTTL)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(am.signingKey)
	if err != nil {
		return nil, "", err
	}

	return &claims, signed, nil
}

// VerifyJWT checks a token against the node's signing key and, when
// valid, reopens the session for the embedded identity.
func (am *AuthManager) VerifyJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &am.signingKey.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid JWT token claims")
	}
	if err := am.validateClaims(claims); err != nil {
		return nil, err
	}

	am.openSession(claims.Policy.Identity)
	return claims, nil
}

func (am *AuthManager) validateClaims(claims *JWTClaims) error {
	issuer, err := claims.GetIssuer()
	if err != nil {
		return errors.New("failed to get issuer from JWT token claims")
	}
	if issuer != jwtIssuer {
		return errors.New("invalid JWT token claims")
	}

	expiration, err := claims.GetExpirationTime()
	if err != nil {
		return errors.New("failed to get expiration from JWT token claims")
	}
	if expiration.Before(time.Now()) {
		return errors.New("expired JWT token")
	}
	return nil
}

// runCleanup drops expired challenges and idle sessions on a timer.
func (am *AuthManager) runCleanup() {
	for range am.cleanupTicker.C {
		now := time.Now()

		am.challengesMu.Lock()
		for token, challenge := range am.challenges {
			if now.After(challenge.ChallengeExpiresAt) {
				delete(am.challenges, token)
			}
		}
		am.challengesMu.Unlock()

		am.sessionsMu.Lock()
		for identity, lastActive := range am.sessions {
			if now.After(lastActive.Add(am.sessionTTL)) {
				delete(am.sessions, identity)
			}
		}
		am.sessionsMu.Unlock()
	}
}
