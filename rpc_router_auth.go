package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polysig/verinode/pkg/sig"
)

type AuthRequestParams struct {
	Identity string `json:"identity" validate:"required"` // The signer identity requesting authentication
	Scheme   string `json:"scheme,omitempty"`             // Optional explicit scheme for the challenge signature
	Scope    string `json:"scope,omitempty"`              // Scope of the authentication
}

// AuthResponse represents the server's challenge response
type AuthResponse struct {
	ChallengeMessage uuid.UUID `json:"challenge_message"` // The message to sign
}

// AuthVerifyParams represents parameters for completing authentication
type AuthVerifyParams struct {
	Challenge uuid.UUID `json:"challenge"` // The challenge token
	JWT       string    `json:"jwt"`       // Optional JWT to use for logging in
}

// challengeDigest derives the digest the client must sign from the
// challenge token. Ed25519 verifies the payload directly, so using the
// hash as payload keeps the contract uniform across schemes.
func challengeDigest(token uuid.UUID) string {
	return hexutil.Encode(crypto.Keccak256([]byte(token.String())))
}

func (r *RPCRouter) HandleAuthRequest(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	// Track auth request metrics
	r.Metrics.AuthRequests.Inc()

	// Parse the parameters
	var authParams AuthRequestParams
	if err := parseParams(req.Params, &authParams); err != nil {
		c.Fail(err, "failed to parse auth parameters")
		return
	}

	scheme := sig.SchemeUnknown
	if authParams.Scheme != "" {
		scheme = sig.ParseScheme(authParams.Scheme)
		if scheme == sig.SchemeUnknown {
			c.Fail(RPCErrorf("unknown scheme: %s", authParams.Scheme), "")
			return
		}
	}

	logger.Debug("incoming auth request",
		"identity", authParams.Identity,
		"scheme", authParams.Scheme,
		"scope", authParams.Scope)

	// Generate a challenge for this identity
	token, err := r.AuthManager.GenerateChallenge(authParams.Identity, scheme, authParams.Scope)
	if err != nil {
		logger.Error("failed to generate challenge", "error", err)
		c.Fail(err, "failed to generate challenge")
		return
	}

	// Create challenge response
	challengeRes := AuthResponse{
		ChallengeMessage: token,
	}

	c.Succeed("auth_challenge", challengeRes)
}

func (r *RPCRouter) HandleAuthVerify(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	var authParams AuthVerifyParams
	if err := parseParams(req.Params, &authParams); err != nil {
		c.Fail(err, "failed to parse auth parameters")
		return
	}

	var authMethod string
	var policy *Policy
	var responseData any
	var err error
	if authParams.JWT != "" {
		authMethod = "jwt"
		policy, responseData, err = r.handleAuthJWTVerify(ctx, authParams)
	} else if len(c.Message.Sig) > 0 {
		authMethod = "signature"
		policy, responseData, err = r.handleAuthSigVerify(ctx, c.Message.Sig[0], authParams)
	} else {
		c.Fail(nil, "invalid authentication method: expected JWT or signature")
		return
	}

	r.Metrics.AuthAttemptsTotal.With(prometheus.Labels{
		"auth_method": authMethod,
	}).Inc()
	if err != nil {
		r.Metrics.AuthAttempsFail.With(prometheus.Labels{
			"auth_method": authMethod,
		}).Inc()
		c.Fail(err, "authentication failed")
		return
	}

	r.Metrics.AuthAttempsSuccess.With(prometheus.Labels{
		"auth_method": authMethod,
	}).Inc()

	c.UserID = policy.Identity
	c.Storage.Set(ConnectionStoragePolicyKey, policy)
	c.Succeed(req.Method, responseData)
	logger.Info("authentication successful",
		"authMethod", authMethod,
		"userID", c.UserID)
}

func (r *RPCRouter) AuthMiddleware(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	// Get policy from storage
	policy, ok := c.Storage.Get(ConnectionStoragePolicyKey)
	if !ok || policy == nil || c.UserID == "" {
		c.Fail(nil, "authentication required")
		return
	}

	// Cast to Policy type
	p, ok := policy.(*Policy)
	if !ok {
		logger.Error("invalid policy type in storage", "type", fmt.Sprintf("%T", policy))
		c.Fail(nil, "invalid policy type in storage")
		return
	}

	// Check if session is still valid
	if !r.AuthManager.ValidateSession(p.Identity) {
		logger.Debug("session expired", "identity", p.Identity)
		c.Fail(nil, "session expired, please re-authenticate")
		return
	}

	// Update session activity timestamp
	r.AuthManager.UpdateSession(p.Identity)

	if err := ValidateTimestamp(req.Timestamp, r.Config.msgExpiryTime); err != nil {
		logger.Debug("invalid message timestamp", "error", err)
		c.Fail(nil, "invalid message timestamp")
		return
	}

	c.Next()
}

// handleAuthJWTVerify verifies the JWT token and returns the policy, response data and error.
func (r *RPCRouter) handleAuthJWTVerify(ctx context.Context, authParams AuthVerifyParams) (*Policy, any, error) {
	logger := LoggerFromContext(ctx)

	claims, err := r.AuthManager.VerifyJWT(authParams.JWT)
	if err != nil {
		logger.Error("failed to verify JWT", "error", err)
		return nil, nil, RPCErrorf("invalid JWT token")
	}

	return &claims.Policy, map[string]any{
		"identity": claims.Policy.Identity,
		"success":  true,
	}, nil
}

// handleAuthSigVerify verifies the challenge signature and returns the policy, response data and error.
// The signature may use any supported scheme; it runs through the same
// dispatcher as verify_signature, against the identity the challenge was
// issued for.
func (r *RPCRouter) handleAuthSigVerify(ctx context.Context, signature Signature, authParams AuthVerifyParams) (*Policy, any, error) {
	logger := LoggerFromContext(ctx)

	challenge, err := r.AuthManager.GetChallenge(authParams.Challenge)
	if err != nil {
		logger.Error("failed to get challenge", "error", err)
		return nil, nil, RPCErrorf("invalid challenge")
	}

	var override []sig.Scheme
	if challenge.Scheme != sig.SchemeUnknown {
		override = append(override, challenge.Scheme)
	}

	digestHex := challengeDigest(challenge.Token)
	if !r.Verifier.Verify(challenge.Identity, signature.String(), digestHex, override...) {
		logger.Debug("challenge signature verification failed", "identity", challenge.Identity)
		return nil, nil, RPCErrorf("invalid challenge or signature")
	}

	if err := r.AuthManager.CompleteChallenge(authParams.Challenge); err != nil {
		logger.Debug("challenge completion failed", "error", err)
		return nil, nil, RPCErrorf("invalid challenge or signature")
	}

	// Generate the User tag
	if _, err = GenerateOrRetrieveIdentityTag(r.DB, challenge.Identity); err != nil {
		logger.Error("failed to store user tag in db", "error", err)
		return nil, nil, fmt.Errorf("failed to store user tag in db")
	}

	claims, jwtToken, err := r.AuthManager.GenerateJWT(challenge.Identity, challenge.Scope)
	if err != nil {
		logger.Error("failed to generate JWT token", "error", err)
		return nil, nil, RPCErrorf("failed to generate JWT token")
	}

	return &claims.Policy, map[string]any{
		"identity":  challenge.Identity,
		"jwt_token": jwtToken,
		"success":   true,
	}, nil
}

func ValidateTimestamp(ts uint64, expirySeconds int) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("invalid timestamp %d: must be 13-digit Unix ms", ts)
	}
	t := time.UnixMilli(int64(ts)).UTC()
	if time.Since(t) > time.Duration(expirySeconds)*time.Second {
		return fmt.Errorf("timestamp expired: %s older than %d s", t.Format(time.RFC3339Nano), expirySeconds)
	}
	return nil
}
