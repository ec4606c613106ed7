package main

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/polysig/verinode/pkg/sig"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// NodeConfigResponse describes the node to connecting clients.
type NodeConfigResponse struct {
	NodeAddress      string   `json:"node_address"`
	SupportedSchemes []string `json:"supported_schemes"`
	MessageExpiry    int      `json:"message_expiry"`
}

type VerifySignatureParams struct {
	Identity  string `json:"identity" validate:"required"`
	Signature string `json:"signature" validate:"required"`
	Digest    string `json:"digest" validate:"required"`
	Scheme    string `json:"scheme,omitempty"` // Optional explicit scheme, skips format detection
}

type VerifySignatureResponse struct {
	Valid     bool   `json:"valid"`
	Scheme    string `json:"scheme"`
	Confident bool   `json:"confident"`
}

type DetectSchemeParams struct {
	Signature string `json:"signature" validate:"required"`
}

type DetectSchemeResponse struct {
	Scheme    string `json:"scheme"`
	Confident bool   `json:"confident"`
	Length    int    `json:"length"`
}

func (r *RPCRouter) nodeConfigResponse() NodeConfigResponse {
	return NodeConfigResponse{
		NodeAddress: r.Signer.GetAddress().Hex(),
		SupportedSchemes: []string{
			sig.SchemeECDSA.String(),
			sig.SchemeSchnorr.String(),
			sig.SchemeEdDSA.String(),
		},
		MessageExpiry: r.Config.msgExpiryTime,
	}
}

func (r *RPCRouter) HandlePing(c *RPCContext) {
	c.Succeed("pong", nil)
}

func (r *RPCRouter) HandleGetConfig(c *RPCContext) {
	c.Succeed(c.Message.Req.Method, r.nodeConfigResponse())
}

// HandleVerifySignature runs the caller's signature through the dispatcher.
// Rejections are reported as Valid=false, never as an RPC error, so
// clients cannot probe for the rejection reason.
func (r *RPCRouter) HandleVerifySignature(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	var params VerifySignatureParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse verification parameters")
		return
	}

	var override []sig.Scheme
	if params.Scheme != "" {
		scheme := sig.ParseScheme(params.Scheme)
		if scheme == sig.SchemeUnknown {
			c.Fail(RPCErrorf("unknown scheme: %s", params.Scheme), "")
			return
		}
		override = append(override, scheme)
	}

	result := r.Verifier.Evaluate(params.Identity, params.Signature, params.Digest, override...)
	r.Metrics.RecordVerification(result.Scheme.String(), result.Valid, result.Confident)

	sigLength := 0
	if raw, err := hexutil.Decode(params.Signature); err == nil {
		sigLength = len(raw)
	}
	if err := r.VerificationStore.Store(ctx, c.UserID, params.Identity, params.Digest, sigLength, result); err != nil {
		logger.Error("failed to store verification record", "error", err)
	}

	c.Succeed(req.Method, VerifySignatureResponse{
		Valid:     result.Valid,
		Scheme:    result.Scheme.String(),
		Confident: result.Confident,
	})
}

// HandleDetectScheme classifies a signature without verifying it.
func (r *RPCRouter) HandleDetectScheme(c *RPCContext) {
	req := c.Message.Req

	var params DetectSchemeParams
	if err := parseParams(req.Params, &params); err != nil {
		c.Fail(err, "failed to parse detection parameters")
		return
	}

	raw, err := hexutil.Decode(params.Signature)
	if err != nil {
		c.Fail(RPCErrorf("signature must be 0x-prefixed hex"), "")
		return
	}

	dec := sig.Decode(raw)
	if !dec.Confident {
		r.Metrics.AmbiguousDecodes.Inc()
	}

	c.Succeed(req.Method, DetectSchemeResponse{
		Scheme:    dec.Scheme.String(),
		Confident: dec.Confident,
		Length:    len(raw),
	})
}
