package main

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/polysig/verinode/pkg/sig"
)

var (
	ConnectionStoragePolicyKey = "connection_auth_policy"
)

type RPCRouter struct {
	Node              *RPCNode
	Config            *Config
	Signer            *Signer
	Verifier          *sig.Verifier
	KeyDirectory      *KeyDirectory
	VerificationStore *VerificationStore
	DB                *gorm.DB
	AuthManager       *AuthManager
	Metrics           *Metrics
	RPCStore          *RPCStore
	wsNotifier        *WSNotifier
	MessageCache      *MessageCache

	lg Logger
}

func NewRPCRouter(
	node *RPCNode,
	conf *Config,
	signer *Signer,
	verifier *sig.Verifier,
	keyDirectory *KeyDirectory,
	verificationStore *VerificationStore,
	db *gorm.DB,
	authManager *AuthManager,
	metrics *Metrics,
	rpcStore *RPCStore,
	wsNotifier *WSNotifier,
	logger Logger,
) *RPCRouter {
	r := &RPCRouter{
		Node:              node,
		Config:            conf,
		Signer:            signer,
		Verifier:          verifier,
		KeyDirectory:      keyDirectory,
		VerificationStore: verificationStore,
		DB:                db,
		wsNotifier:        wsNotifier,
		AuthManager:       authManager,
		Metrics:           metrics,
		RPCStore:          rpcStore,
		MessageCache:      NewMessageCache(time.Duration(conf.msgExpiryTime) * time.Second),
		lg:                logger.NewSystem("rpc-router"),
	}

	r.Node.OnConnect(r.HandleConnect)
	r.Node.OnDisconnect(r.HandleDisconnect)
	r.Node.OnAuthenticated(r.HandleAuthenticated)
	r.Node.OnMessageSent(r.HandleMessageSent)

	r.Node.Use(r.LoggerMiddleware)
	r.Node.Use(r.MetricsMiddleware)
	r.Node.Handle("ping", r.HandlePing)
	r.Node.Handle("get_config", r.HandleGetConfig)
	r.Node.Handle("verify_signature", r.HandleVerifySignature)
	r.Node.Handle("detect_scheme", r.HandleDetectScheme)
	r.Node.Handle("auth_request", r.HandleAuthRequest)
	r.Node.Handle("auth_verify", r.HandleAuthVerify)

	testModeGroup := r.Node.NewGroup("test_mode")
	testModeGroup.Use(r.TestModeMiddleware)
	testModeGroup.Handle("cleanup_key_cache", r.HandleCleanupKeyCache)

	privGroup := r.Node.NewGroup("private")
	privGroup.Use(r.AuthMiddleware)

	privGroup.Handle("get_user_tag", r.HandleGetUserTag)
	privGroup.Handle("get_rpc_history", r.HandleGetRPCHistory)
	privGroup.Handle("get_verification_history", r.HandleGetVerificationHistory)

	keyGroup := privGroup.NewGroup("keys")
	keyGroup.Use(r.HistoryMiddleware)
	keyGroup.Handle("register_key", r.HandleRegisterKey)
	keyGroup.Handle("get_keys", r.HandleGetKeys)
	keyGroup.Handle("revoke_key", r.HandleRevokeKey)

	return r
}

func (r *RPCRouter) HandleConnect(send SendRPCMessageFunc) {
	// Increment connection metrics
	r.Metrics.ConnectionsTotal.Inc()
	r.Metrics.ConnectedClients.Inc()

	send("config", r.nodeConfigResponse())
}

func (r *RPCRouter) HandleDisconnect(userID string) {
	// Decrement connection metrics
	r.Metrics.ConnectedClients.Dec()
}

func (r *RPCRouter) HandleAuthenticated(userID string, send SendRPCMessageFunc) {
	keys, err := GetSignerKeysByIdentity(r.DB, userID, nil)
	if err != nil {
		r.lg.Error("error retrieving signer keys for identity", "error", err)
		return
	}

	respKeys := make([]SignerKeyResponse, 0, len(keys))
	for _, k := range keys {
		respKeys = append(respKeys, newSignerKeyResponse(k))
	}

	// Send the registered keys to the freshly authenticated connection
	send("keys", GetKeysResponse{Keys: respKeys})
}

func (r *RPCRouter) HandleMessageSent() {
	// Increment sent message counter
	r.Metrics.MessageSent.Inc()
}

func (r *RPCRouter) LoggerMiddleware(c *RPCContext) {
	logger := r.lg.With("requestID", c.Message.Req.RequestID)
	c.Context = SetContextLogger(c.Context, logger)
	logger = LoggerFromContext(c.Context)

	c.Next()

	if c.Message.Res == nil {
		logger.Warn("RPC response is nil",
			"userID", c.UserID,
			"method", c.Message.Req.Method,
		)
		return
	}

	if c.Message.Res.Method == "error" {
		logger.Warn("failed to handle RPC request",
			"userID", c.UserID,
			"method", c.Message.Req.Method,
			"error", c.Message.Res.Params,
		)
	}
}

func (r *RPCRouter) MetricsMiddleware(c *RPCContext) {
	// Increment received message counter
	r.Metrics.MessageReceived.Inc()

	reqMethod := c.Message.Req.Method
	c.Next()

	status := "success"
	if c.Message.Res.Method == "error" {
		status = "failure"
	}

	r.Metrics.RPCRequests.WithLabelValues(reqMethod, status).Inc()
}

type RPCEntry struct {
	ID        uint        `json:"id"`
	Sender    string      `json:"sender"`
	ReqID     uint64      `json:"req_id"`
	Method    string      `json:"method"`
	Params    string      `json:"params"`
	Timestamp uint64      `json:"timestamp"`
	ReqSig    []Signature `json:"req_sig"`
	Result    string      `json:"response"`
	ResSig    []Signature `json:"res_sig"`
}

func (r *RPCRouter) HistoryMiddleware(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	req := c.Message.Req
	reqSig := c.Message.Sig
	c.Next()

	resRaw, err := json.Marshal(c.Message.Res)
	if err != nil {
		logger.Error("failed to marshal response", "error", err)
		return
	}
	resSig := c.Message.Sig

	// Store the request in history
	if err := r.RPCStore.StoreMessage(c.UserID, req, reqSig, resRaw, resSig); err != nil {
		logger.Error("failed to store RPC message", "error", err)
	}
}

func (r *RPCRouter) TestModeMiddleware(c *RPCContext) {
	if r.Config.mode != ModeTest {
		c.Fail(nil, "test mode endpoints are disabled")
		return
	}

	c.Next()
}

func (r *RPCRouter) HandleCleanupKeyCache(c *RPCContext) {
	signerKeyCache.Clear()
	c.Succeed(c.Message.Req.Method, nil)
}

func parseParams(params RPCDataParams, unmarshalTo any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to parse parameters: %w", err)
	}

	err = json.Unmarshal(paramsJSON, &unmarshalTo)
	if err != nil {
		return err
	}

	return getValidator().Struct(unmarshalTo)
}
