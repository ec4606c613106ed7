package main

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polysig/verinode/pkg/sig"
)

func createSignedRPCContext(id int, method string, params any, signers ...*Signer) *RPCContext {
	ctx := createRPCContext(id, method, params)

	if len(signers) > 0 {
		ctx.UserID = signers[0].GetAddress().Hex()
	}

	rawReq, _ := json.Marshal(ctx.Message.Req)
	ctx.Message.Req.rawBytes = rawReq

	ctx.Message.Sig = make([]Signature, 0, len(signers))
	for _, signer := range signers {
		sigBytes, _ := signer.Sign(rawReq)
		ctx.Message.Sig = append(ctx.Message.Sig, sigBytes)
	}

	return ctx
}

func assertResponse(t *testing.T, ctx *RPCContext, expectedMethod string) *RPCData {
	res := ctx.Message.Res
	require.NotNil(t, res)
	require.Equal(t, expectedMethod, res.Method)
	return res
}

func assertErrorResponse(t *testing.T, ctx *RPCContext, expectedContains string) {
	res := ctx.Message.Res
	require.NotNil(t, res)
	require.Equal(t, "error", res.Method)

	errorParams, ok := res.Params.(ErrorResponse)
	require.True(t, ok, "Response parameter should be an ErrorResponse")

	require.Contains(t, errorParams.Error, expectedContains)
}

func newTestEddsaKeyHex(t *testing.T) string {
	t.Helper()
	signer, err := sig.NewEddsaSigner()
	require.NoError(t, err)
	return signer.Identity().String()
}

func TestRPCRouterHandleGetUserTag(t *testing.T) {
	router, db, cleanup := setupTestRPCRouter(t)
	defer cleanup()

	identity := "0x1234567890123456789012345678901234567890"

	t.Run("No tag for unknown identity", func(t *testing.T) {
		ctx := createRPCContext(1, "get_user_tag", nil)
		ctx.UserID = identity
		router.HandleGetUserTag(ctx)

		assertErrorResponse(t, ctx, "no tag found")
	})

	t.Run("Returns the generated tag", func(t *testing.T) {
		model, err := GenerateOrRetrieveIdentityTag(db, identity)
		require.NoError(t, err)

		ctx := createRPCContext(2, "get_user_tag", nil)
		ctx.UserID = identity
		router.HandleGetUserTag(ctx)

		res := assertResponse(t, ctx, "get_user_tag")
		tagRes, ok := res.Params.(GetUserTagResponse)
		require.True(t, ok)
		assert.Equal(t, model.Tag, tagRes.Tag)
	})
}

func TestRPCRouterHandleGetRPCHistory(t *testing.T) {
	router, db, cleanup := setupTestRPCRouter(t)
	defer cleanup()

	userAddress := "0x1111111111111111111111111111111111111111"
	baseTime := uint64(time.Now().Unix())

	records := make([]RPCRecord, 0, 12)
	for i := 1; i <= 11; i++ {
		records = append(records, RPCRecord{
			Sender:    userAddress,
			ReqID:     uint64(i),
			Method:    "verify_signature",
			Params:    []byte(`[{}]`),
			Timestamp: baseTime - uint64(12-i),
			ReqSig:    []string{fmt.Sprintf("0x%04x", i)},
			Response:  []byte(fmt.Sprintf(`{"res":[%d,"verify_signature",[{"valid":true}],1700000000000]}`, i)),
			ResSig:    []string{},
		})
	}
	records = append(records, RPCRecord{
		Sender: "0x2222222222222222222222222222222222222222", ReqID: 12, Method: "ping",
		Params: []byte(`[]`), Timestamp: baseTime, ReqSig: []string{"0x000c"}, Response: []byte(`{}`), ResSig: []string{},
	})
	require.NoError(t, db.Create(records).Error)

	testCases := []struct {
		name           string
		params         map[string]interface{}
		expectedReqIDs []uint64
	}{
		{
			name:           "Default pagination",
			params:         map[string]interface{}{},
			expectedReqIDs: []uint64{11, 10, 9, 8, 7, 6, 5, 4, 3, 2},
		},
		{
			name:           "Offset and limit",
			params:         map[string]interface{}{"offset": float64(2), "limit": float64(3)},
			expectedReqIDs: []uint64{9, 8, 7},
		},
		{
			name:           "Ascending sort",
			params:         map[string]interface{}{"sort": "asc", "limit": float64(3)},
			expectedReqIDs: []uint64{1, 2, 3},
		},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := createRPCContext(i+1, "get_rpc_history", tc.params)
			ctx.UserID = userAddress
			router.HandleGetRPCHistory(ctx)

			res := assertResponse(t, ctx, "get_rpc_history")
			resMap, ok := res.Params.(map[string]any)
			require.True(t, ok)
			entries, ok := resMap["rpc_entries"].([]RPCEntry)
			require.True(t, ok)

			require.Len(t, entries, len(tc.expectedReqIDs))
			for i, entry := range entries {
				assert.Equal(t, tc.expectedReqIDs[i], entry.ReqID)
				assert.Equal(t, userAddress, entry.Sender)
			}
		})
	}
}

func TestRPCRouterHandleRegisterKey(t *testing.T) {
	identity := "0x3333333333333333333333333333333333333333"
	expiresAt := uint64(time.Now().Add(time.Hour).Unix())

	t.Run("Successful registration", func(t *testing.T) {
		router, db, cleanup := setupTestRPCRouter(t)
		t.Cleanup(cleanup)

		keyHex := newTestEddsaKeyHex(t)
		ctx := createRPCContext(1, "register_key", map[string]interface{}{
			"scheme":     "eddsa",
			"public_key": keyHex,
			"label":      "build server",
			"expires_at": float64(expiresAt),
		})
		ctx.Message.Req.rawBytes = []byte(`[1,"register_key",[{"scheme":"eddsa"}],1700000000001]`)
		ctx.UserID = identity
		router.HandleRegisterKey(ctx)

		assertResponse(t, ctx, "register_key")

		var stored SignerKey
		require.NoError(t, db.Where("identity = ?", identity).First(&stored).Error)
		assert.Equal(t, "eddsa", stored.Scheme)
		assert.Equal(t, keyHex, stored.PublicKey)
		assert.Equal(t, "build server", stored.Label)
	})

	t.Run("Replayed request is rejected", func(t *testing.T) {
		router, _, cleanup := setupTestRPCRouter(t)
		t.Cleanup(cleanup)

		keyHex := newTestEddsaKeyHex(t)
		params := map[string]interface{}{
			"scheme":     "eddsa",
			"public_key": keyHex,
			"expires_at": float64(expiresAt),
		}

		ctx := createRPCContext(1, "register_key", params)
		ctx.Message.Req.rawBytes = []byte(`[1,"register_key",[{"replay":"me"}],1700000000002]`)
		ctx.UserID = identity
		router.HandleRegisterKey(ctx)
		assertResponse(t, ctx, "register_key")

		replay := createRPCContext(1, "register_key", params)
		replay.Message.Req.rawBytes = ctx.Message.Req.rawBytes
		replay.UserID = identity
		router.HandleRegisterKey(replay)
		assertErrorResponse(t, replay, "duplicate registration request")
	})

	t.Run("Rejects unknown scheme", func(t *testing.T) {
		router, _, cleanup := setupTestRPCRouter(t)
		t.Cleanup(cleanup)

		ctx := createRPCContext(1, "register_key", map[string]interface{}{
			"scheme":     "dsa",
			"public_key": newTestEddsaKeyHex(t),
			"expires_at": float64(expiresAt),
		})
		ctx.Message.Req.rawBytes = []byte(`[1,"register_key",[{"bad":"scheme"}],1700000000003]`)
		ctx.UserID = identity
		router.HandleRegisterKey(ctx)

		assertErrorResponse(t, ctx, "unknown scheme")
	})

	t.Run("Rejects ECDSA keys", func(t *testing.T) {
		// Address recovery makes a directory entry pointless for ECDSA
		router, _, cleanup := setupTestRPCRouter(t)
		t.Cleanup(cleanup)

		ctx := createRPCContext(1, "register_key", map[string]interface{}{
			"scheme":     "ecdsa",
			"public_key": newTestEddsaKeyHex(t),
			"expires_at": float64(expiresAt),
		})
		ctx.Message.Req.rawBytes = []byte(`[1,"register_key",[{"ecdsa":"key"}],1700000000004]`)
		ctx.UserID = identity
		router.HandleRegisterKey(ctx)

		assertErrorResponse(t, ctx, "scheme does not use the key directory")
	})

	t.Run("Rejects wrong key length", func(t *testing.T) {
		router, _, cleanup := setupTestRPCRouter(t)
		t.Cleanup(cleanup)

		ctx := createRPCContext(1, "register_key", map[string]interface{}{
			"scheme":     "eddsa",
			"public_key": "0x1234",
			"expires_at": float64(expiresAt),
		})
		ctx.Message.Req.rawBytes = []byte(`[1,"register_key",[{"short":"key"}],1700000000005]`)
		ctx.UserID = identity
		router.HandleRegisterKey(ctx)

		assertErrorResponse(t, ctx, "invalid ed25519 public key length")
	})

	t.Run("Rejects a key owned by another identity", func(t *testing.T) {
		router, _, cleanup := setupTestRPCRouter(t)
		t.Cleanup(cleanup)

		keyHex := newTestEddsaKeyHex(t)
		other := "0x4444444444444444444444444444444444444444"

		ctx := createRPCContext(1, "register_key", map[string]interface{}{
			"scheme":     "eddsa",
			"public_key": keyHex,
			"expires_at": float64(expiresAt),
		})
		ctx.Message.Req.rawBytes = []byte(`[1,"register_key",[{"first":"owner"}],1700000000006]`)
		ctx.UserID = other
		router.HandleRegisterKey(ctx)
		assertResponse(t, ctx, "register_key")

		steal := createRPCContext(2, "register_key", map[string]interface{}{
			"scheme":     "eddsa",
			"public_key": keyHex,
			"expires_at": float64(expiresAt),
		})
		steal.Message.Req.rawBytes = []byte(`[2,"register_key",[{"second":"owner"}],1700000000007]`)
		steal.UserID = identity
		router.HandleRegisterKey(steal)
		assertErrorResponse(t, steal, "already registered to another identity")
	})
}

func TestRPCRouterHandleGetKeys(t *testing.T) {
	router, db, cleanup := setupTestRPCRouter(t)
	defer cleanup()

	identity := "0x5555555555555555555555555555555555555555"
	keyHex := newTestEddsaKeyHex(t)
	expiresAt := time.Now().Add(time.Hour)

	require.NoError(t, RegisterSignerKey(db, identity, sig.SchemeEdDSA, keyHex, "laptop", expiresAt))

	ctx := createRPCContext(1, "get_keys", nil)
	ctx.UserID = identity
	router.HandleGetKeys(ctx)

	res := assertResponse(t, ctx, "get_keys")
	keysRes, ok := res.Params.(GetKeysResponse)
	require.True(t, ok)
	require.Len(t, keysRes.Keys, 1)
	assert.Equal(t, identity, keysRes.Keys[0].Identity)
	assert.Equal(t, "eddsa", keysRes.Keys[0].Scheme)
	assert.Equal(t, keyHex, keysRes.Keys[0].PublicKey)
	assert.Equal(t, "laptop", keysRes.Keys[0].Label)

	// Other identities see nothing
	other := createRPCContext(2, "get_keys", nil)
	other.UserID = "0x6666666666666666666666666666666666666666"
	router.HandleGetKeys(other)

	otherRes := assertResponse(t, other, "get_keys")
	otherKeys, ok := otherRes.Params.(GetKeysResponse)
	require.True(t, ok)
	assert.Empty(t, otherKeys.Keys)
}

func TestRPCRouterHandleRevokeKey(t *testing.T) {
	router, db, cleanup := setupTestRPCRouter(t)
	defer cleanup()

	identity := "0x7777777777777777777777777777777777777777"
	keyHex := newTestEddsaKeyHex(t)

	require.NoError(t, RegisterSignerKey(db, identity, sig.SchemeEdDSA, keyHex, "", time.Now().Add(time.Hour)))

	parsed, err := sig.ParseIdentity(identity)
	require.NoError(t, err)
	_, err = router.KeyDirectory.ResolvePublicKey(parsed, sig.SchemeEdDSA)
	require.NoError(t, err, "key should resolve before revocation")

	ctx := createRPCContext(1, "revoke_key", map[string]interface{}{"scheme": "eddsa"})
	ctx.UserID = identity
	router.HandleRevokeKey(ctx)
	assertResponse(t, ctx, "revoke_key")

	_, err = router.KeyDirectory.ResolvePublicKey(parsed, sig.SchemeEdDSA)
	assert.Error(t, err, "revoked key must no longer resolve")
}

func TestRPCRouterHandleGetVerificationHistory(t *testing.T) {
	router, db, cleanup := setupTestRPCRouter(t)
	defer cleanup()

	requester := "0x8888888888888888888888888888888888888888"
	identityA := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	identityB := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	seed := []VerificationRecord{
		{Requester: requester, Identity: identityA, Scheme: "ecdsa", Confident: true, Valid: true, SigLength: 65},
		{Requester: requester, Identity: identityA, Scheme: "schnorr", Confident: false, Valid: false, SigLength: 64},
		{Requester: requester, Identity: identityB, Scheme: "eddsa", Confident: false, Valid: true, SigLength: 64},
		{Requester: "0x9999999999999999999999999999999999999999", Identity: identityA, Scheme: "ecdsa", Confident: true, Valid: true, SigLength: 65},
	}
	require.NoError(t, db.Create(&seed).Error)

	t.Run("All records for the requester", func(t *testing.T) {
		ctx := createRPCContext(1, "get_verification_history", map[string]interface{}{})
		ctx.UserID = requester
		router.HandleGetVerificationHistory(ctx)

		res := assertResponse(t, ctx, "get_verification_history")
		histRes, ok := res.Params.(GetVerificationHistoryResponse)
		require.True(t, ok)
		assert.Len(t, histRes.Records, 3)
	})

	t.Run("Filtered by identity", func(t *testing.T) {
		ctx := createRPCContext(2, "get_verification_history", map[string]interface{}{
			"identity": identityB,
		})
		ctx.UserID = requester
		router.HandleGetVerificationHistory(ctx)

		res := assertResponse(t, ctx, "get_verification_history")
		histRes, ok := res.Params.(GetVerificationHistoryResponse)
		require.True(t, ok)
		require.Len(t, histRes.Records, 1)
		assert.Equal(t, "eddsa", histRes.Records[0].Scheme)
	})

	t.Run("Identity filter is case-normalized", func(t *testing.T) {
		ctx := createRPCContext(3, "get_verification_history", map[string]interface{}{
			"identity": "0XAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		})
		ctx.UserID = requester
		router.HandleGetVerificationHistory(ctx)

		res := assertResponse(t, ctx, "get_verification_history")
		histRes, ok := res.Params.(GetVerificationHistoryResponse)
		require.True(t, ok)
		assert.Len(t, histRes.Records, 2)
	})

	t.Run("Rejects bad identity filter", func(t *testing.T) {
		ctx := createRPCContext(4, "get_verification_history", map[string]interface{}{
			"identity": "not-hex",
		})
		ctx.UserID = requester
		router.HandleGetVerificationHistory(ctx)

		assertErrorResponse(t, ctx, "invalid identity filter")
	})
}

// End to end: a registered Ed25519 key makes address-style verification
// work through the directory resolver.
func TestRPCRouterVerifyWithRegisteredKey(t *testing.T) {
	router, db, cleanup := setupTestRPCRouter(t)
	defer cleanup()

	signer, err := sig.NewEddsaSigner()
	require.NoError(t, err)

	identity := "0xcccccccccccccccccccccccccccccccccccccccc"
	require.NoError(t, RegisterSignerKey(db, identity, sig.SchemeEdDSA, signer.Identity().String(), "", time.Now().Add(time.Hour)))

	digest := []byte("payload digest for directory test")
	sigBytes, err := signer.SignDigest(digest)
	require.NoError(t, err)

	ctx := createRPCContext(1, "verify_signature", map[string]interface{}{
		"identity":  identity,
		"signature": sigBytes.String(),
		"digest":    hexutil.Encode(digest),
		"scheme":    "eddsa",
	})
	router.HandleVerifySignature(ctx)

	res := assertResponse(t, ctx, "verify_signature")
	verifyRes, ok := res.Params.(VerifySignatureResponse)
	require.True(t, ok)
	assert.True(t, verifyRes.Valid)
	assert.Equal(t, "eddsa", verifyRes.Scheme)
}
