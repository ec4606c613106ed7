package main

import (
	"time"

	"gorm.io/gorm"

	"github.com/polysig/verinode/pkg/sig"
)

type GetRPCHistoryParams struct {
	ListOptions
}

type GetVerificationHistoryParams struct {
	ListOptions
	Identity string `json:"identity,omitempty"` // Optional signer identity to filter records
}

type GetUserTagResponse struct {
	Tag string `json:"tag"`
}

type RegisterKeyParams struct {
	Scheme    string `json:"scheme" validate:"required"`
	PublicKey string `json:"public_key" validate:"required"`
	Label     string `json:"label,omitempty"`
	ExpiresAt uint64 `json:"expires_at" validate:"required"` // Unix timestamp (in seconds)
}

type GetKeysParams struct {
	ListOptions
}

type RevokeKeyParams struct {
	Scheme string `json:"scheme" validate:"required"`
}

type SignerKeyResponse struct {
	Identity  string `json:"identity"`
	Scheme    string `json:"scheme"`
	PublicKey string `json:"public_key"`
	Label     string `json:"label,omitempty"`
	ExpiresAt string `json:"expires_at"`
	CreatedAt string `json:"created_at"`
}

type GetKeysResponse struct {
	Keys []SignerKeyResponse `json:"keys"`
}

type GetVerificationHistoryResponse struct {
	Records []VerificationRecord `json:"records"`
}

func newSignerKeyResponse(k SignerKey) SignerKeyResponse {
	return SignerKeyResponse{
		Identity:  k.Identity,
		Scheme:    k.Scheme,
		PublicKey: k.PublicKey,
		Label:     k.Label,
		ExpiresAt: k.ExpiresAt.Format(time.RFC3339),
		CreatedAt: k.CreatedAt.Format(time.RFC3339),
	}
}

func (r *RPCRouter) HandleGetUserTag(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	tag, err := GetTagByIdentity(r.DB, c.UserID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.Fail(RPCErrorf("no tag found for identity"), "")
			return
		}
		logger.Error("failed to retrieve user tag", "error", err)
		c.Fail(err, "failed to retrieve user tag")
		return
	}

	c.Succeed(c.Message.Req.Method, GetUserTagResponse{Tag: tag})
}

func (r *RPCRouter) HandleGetRPCHistory(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	var params GetRPCHistoryParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	records, err := r.RPCStore.GetRPCHistory(c.UserID, &params.ListOptions)
	if err != nil {
		logger.Error("failed to retrieve RPC history", "error", err)
		c.Fail(err, "failed to retrieve RPC history")
		return
	}

	history := make([]RPCEntry, 0, len(records))
	for _, record := range records {
		reqSigs, err := sig.SignaturesFromStrings(record.ReqSig)
		if err != nil {
			logger.Error("failed to parse request signatures", "error", err, "recordID", record.ID)
			continue
		}
		resSigs, err := sig.SignaturesFromStrings(record.ResSig)
		if err != nil {
			logger.Error("failed to parse response signatures", "error", err, "recordID", record.ID)
			continue
		}

		history = append(history, RPCEntry{
			ID:        record.ID,
			Sender:    record.Sender,
			ReqID:     record.ReqID,
			Method:    record.Method,
			Params:    string(record.Params),
			Timestamp: record.Timestamp,
			ReqSig:    reqSigs,
			Result:    string(record.Response),
			ResSig:    resSigs,
		})
	}

	c.Succeed(req.Method, map[string]any{"rpc_entries": history})
}

func (r *RPCRouter) HandleGetVerificationHistory(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	var params GetVerificationHistoryParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	var identity *string
	if params.Identity != "" {
		parsed, err := sig.ParseIdentity(params.Identity)
		if err != nil {
			c.Fail(RPCErrorf("invalid identity filter"), "")
			return
		}
		normalized := parsed.String()
		identity = &normalized
	}

	requester := c.UserID
	records, err := r.VerificationStore.List(c.Context, &requester, identity, &params.ListOptions)
	if err != nil {
		logger.Error("failed to retrieve verification history", "error", err)
		c.Fail(err, "failed to retrieve verification history")
		return
	}

	c.Succeed(req.Method, GetVerificationHistoryResponse{Records: records})
}

// HandleRegisterKey stores a public key for the authenticated identity.
// Duplicate requests within the message expiry window are rejected via
// the message cache so a replayed registration cannot churn the directory.
func (r *RPCRouter) HandleRegisterKey(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	var params RegisterKeyParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse key registration parameters")
		return
	}

	messageHash := HashMessage(&c.Message)
	if messageHash == "" {
		c.Fail(nil, "failed to process message")
		return
	}
	if r.MessageCache.Exists(messageHash) {
		c.Fail(RPCErrorf("duplicate registration request"), "")
		return
	}

	scheme := sig.ParseScheme(params.Scheme)
	if scheme == sig.SchemeUnknown {
		c.Fail(RPCErrorf("unknown scheme: %s", params.Scheme), "")
		return
	}

	expiresAt := time.Unix(int64(params.ExpiresAt), 0)
	if err := RegisterSignerKey(r.DB, c.UserID, scheme, params.PublicKey, params.Label, expiresAt); err != nil {
		logger.Error("failed to register signer key", "error", err, "scheme", scheme)
		c.Fail(err, "failed to register signer key")
		return
	}

	r.MessageCache.Add(messageHash)
	r.wsNotifier.Notify(NewKeyUpdateNotification(c.UserID, scheme.String(), "registered"))

	c.Succeed(req.Method, map[string]any{"success": true})
}

func (r *RPCRouter) HandleGetKeys(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	var params GetKeysParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	keys, err := GetSignerKeysByIdentity(r.DB, c.UserID, &params.ListOptions)
	if err != nil {
		logger.Error("failed to retrieve signer keys", "error", err)
		c.Fail(err, "failed to retrieve signer keys")
		return
	}

	respKeys := make([]SignerKeyResponse, 0, len(keys))
	for _, k := range keys {
		respKeys = append(respKeys, newSignerKeyResponse(k))
	}

	c.Succeed(req.Method, GetKeysResponse{Keys: respKeys})
}

func (r *RPCRouter) HandleRevokeKey(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	var params RevokeKeyParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	scheme := sig.ParseScheme(params.Scheme)
	if scheme == sig.SchemeUnknown {
		c.Fail(RPCErrorf("unknown scheme: %s", params.Scheme), "")
		return
	}

	if err := RevokeSignerKey(r.DB, c.UserID, scheme); err != nil {
		logger.Error("failed to revoke signer key", "error", err, "scheme", scheme)
		c.Fail(err, "failed to revoke signer key")
		return
	}

	r.wsNotifier.Notify(NewKeyUpdateNotification(c.UserID, scheme.String(), "revoked"))

	c.Succeed(req.Method, map[string]any{"success": true})
}
