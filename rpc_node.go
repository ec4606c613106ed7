package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultRPCErrorMessage = "an error occurred while processing the request"

const (
	// Handler group IDs share a prefix so they can never collide with
	// method names in the chain map.
	rpcNodeGroupHandlerPrefix = "group."
	rpcNodeGroupRoot          = "root"
)

// Overridable in tests.
var defaultRPCMessageWriteDuration = 5 * time.Second

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

// getValidator returns the shared request validator. It carries a
// "bigint" rule for decimal string fields that must parse as big.Int.
func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		err := v.RegisterValidation("bigint", func(fl validator.FieldLevel) bool {
			n := new(big.Int)
			_, ok := n.SetString(fmt.Sprint(fl.Field()), 10)
			return ok
		})
		if err != nil {
			panic(fmt.Sprintf("failed to register bigint validation: %v", err))
		}
		validatorInst = v
	})
	return validatorInst
}

// RPCNode is the WebSocket RPC server. It upgrades HTTP requests,
// routes incoming messages through registered middleware chains, and
// signs every outgoing message with the node's key.
type RPCNode struct {
	upgrader websocket.Upgrader

	// groupID names the root handler group. chains maps a group or
	// method ID to its handlers, routes maps a method name to the
	// chain IDs that must run for it, root group first.
	groupID string
	chains  map[string][]RPCHandler
	routes  map[string][]string

	signer  *Signer
	connHub *rpcConnectionHub
	logger  Logger

	onConnectHandlers       []func(send SendRPCMessageFunc)
	onDisconnectHandlers    []func(userID string)
	onMessageSentHandlers   []func()
	onAuthenticatedHandlers []func(userID string, send SendRPCMessageFunc)
}

// NewRPCNode creates an RPC node that signs responses with the given signer.
func NewRPCNode(signer *Signer, logger Logger) *RPCNode {
	return &RPCNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},

		groupID: rpcNodeGroupHandlerPrefix + rpcNodeGroupRoot,
		chains:  make(map[string][]RPCHandler),
		routes:  make(map[string][]string),

		signer:  signer,
		connHub: newRPCConnectionHub(),
		logger:  logger.NewSystem("rpc-node"),

		onConnectHandlers:       []func(send SendRPCMessageFunc){},
		onDisconnectHandlers:    []func(userID string){},
		onMessageSentHandlers:   []func(){},
		onAuthenticatedHandlers: []func(userID string, send SendRPCMessageFunc){},
	}
}

// HandleConnection upgrades the request to a WebSocket session and runs
// it until either side closes. Use it as an http.HandlerFunc.
func (n *RPCNode) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer ws.Close()

	connectionID := uuid.NewString()
	conn := NewRPCConnection(connectionID, "", ws, n.logger, n.onMessageSentHandlers...)
	if err := n.connHub.Add(conn); err != nil {
		n.logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	for _, handler := range n.onConnectHandlers {
		handler(n.getSendMessageFunc(conn))
	}

	defer func() {
		userID := conn.UserID()
		n.connHub.Remove(connectionID)
		for _, handler := range n.onDisconnectHandlers {
			handler(userID)
		}
		n.logger.Info("connection closed", "connectionID", connectionID, "userID", userID)
	}()

	ctx, cancel := context.WithCancel(r.Context())

	var wg sync.WaitGroup
	wg.Add(2)
	stopBoth := func() {
		cancel()
		wg.Done()
	}

	go conn.Serve(ctx, stopBoth)
	go n.processMessages(ctx, conn, stopBoth)

	wg.Wait()
}

// processMessages drains the connection's inbound frames, dispatching
// each through its method's middleware chain and writing the signed
// response back.
func (n *RPCNode) processMessages(ctx context.Context, conn *RPCConnection, stop context.CancelFunc) {
	defer stop()
	storage := NewSafeStorage()

	for {
		var frame []byte
		select {
		case <-ctx.Done():
			n.logger.Debug("context done, stopping message processing")
			return
		case frame = <-conn.ProcessSink():
			if len(frame) == 0 {
				// Sink closed, the socket is gone.
				return
			}
		}

		msg, ok := n.parseRequest(conn, frame)
		if !ok {
			continue
		}

		chain, ok := n.resolveChain(msg.Req.Method)
		if !ok {
			n.logger.Debug("no handler found for method", "method", msg.Req.Method)
			n.sendErrorResponse(conn, msg.Req.RequestID, fmt.Sprintf("unknown method: %s", msg.Req.Method))
			continue
		}

		n.logger.Info("processing message",
			"requestID", msg.Req.RequestID,
			"userID", conn.UserID(),
			"method", msg.Req.Method,
			"route", n.routes[msg.Req.Method])

		c := &RPCContext{
			Context:  context.Background(),
			UserID:   conn.UserID(),
			Signer:   n.signer,
			Message:  msg,
			handlers: chain,
			Storage:  storage,
		}
		c.Next()

		responseBytes, err := c.GetRawResponse()
		if err != nil {
			n.logger.Error("failed to prepare response", "error", err, "method", msg.Req.Method)
			continue
		}
		conn.Write(responseBytes)

		// A handler that authenticates the session surfaces the new
		// identity through the context.
		if conn.UserID() != c.UserID {
			n.connHub.Reauthenticate(conn.ConnectionID(), c.UserID)
			for _, handler := range n.onAuthenticatedHandlers {
				handler(c.UserID, n.getSendMessageFunc(conn))
			}
		}
	}
}

// parseRequest unmarshals and validates an inbound frame, reporting
// protocol errors straight back to the peer.
func (n *RPCNode) parseRequest(conn *RPCConnection, frame []byte) (RPCMessage, bool) {
	msg := RPCMessage{Req: &RPCData{}}
	if err := json.Unmarshal(frame, &msg); err != nil {
		n.logger.Debug("invalid message format", "error", err, "message", string(frame))
		n.sendErrorResponse(conn, msg.Req.RequestID, "invalid message format")
		return RPCMessage{}, false
	}

	if err := getValidator().Struct(&msg); err != nil {
		n.logger.Debug("message validation failed", "error", err, "message", string(frame))
		n.sendErrorResponse(conn, 0, "message validation failed")
		return RPCMessage{}, false
	}
	if msg.Req == nil {
		n.logger.Debug("message request is empty", "message", string(frame))
		n.sendErrorResponse(conn, 0, "message request is empty")
		return RPCMessage{}, false
	}
	return msg, true
}

// resolveChain flattens a method's route into the full handler slice,
// root group middleware first.
func (n *RPCNode) resolveChain(method string) ([]RPCHandler, bool) {
	route, ok := n.routes[method]
	if !ok || len(route) == 0 {
		return nil, false
	}

	var chain []RPCHandler
	for _, chainID := range route {
		handlers, exists := n.chains[chainID]
		if !exists || len(handlers) == 0 {
			n.logger.Error("no handlers found for id", "id", chainID)
			return nil, false
		}
		chain = append(chain, handlers...)
	}
	return chain, true
}

// RPCHandler processes one RPC request. Middleware calls c.Next() to
// pass control down the chain.
type RPCHandler func(c *RPCContext)

// SendRPCMessageFunc sends a server-initiated notification on a
// specific connection. Lifecycle handlers receive one.
type SendRPCMessageFunc func(method string, params RPCDataParams)

// RPCContext carries one request through its handler chain.
type RPCContext struct {
	// Context is the standard request context.
	Context context.Context
	// UserID is the authenticated signer identity, empty before auth.
	UserID string
	// Signer signs the response message.
	Signer *Signer
	// Message holds the request and, after the chain runs, the response.
	Message RPCMessage
	// Storage is session-scoped key-value state shared by handlers.
	Storage *SafeStorage

	handlers []RPCHandler
}

// Next runs the next handler in the chain, if any.
func (c *RPCContext) Next() {
	if len(c.handlers) == 0 {
		return
	}

	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

// Succeed sets a successful response with the given method and parameters.
func (c *RPCContext) Succeed(method string, params RPCDataParams) {
	c.Message.Res = &RPCData{
		RequestID: c.Message.Req.RequestID,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// Fail sets an error response. An RPCError's message goes to the client
// verbatim; any other error is replaced with fallbackMessage so internal
// details stay internal. With neither, a generic message is sent.
//
//	keys, err := directory.GetSignerKeys(identity)
//	if err != nil {
//		c.Fail(err, "failed to retrieve keys")
//		return
//	}
//
// The response has Method "error" and the message in Params.
func (c *RPCContext) Fail(err error, fallbackMessage string) {
	message := fallbackMessage
	if _, ok := err.(RPCError); ok {
		message = err.Error()
	}
	if message == "" {
		message = defaultRPCErrorMessage
	}

	c.Message.Res = &RPCData{
		RequestID: c.Message.Req.RequestID,
		Method:    "error",
		Params:    ErrorResponse{Error: message},
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// GetRawResponse returns the signed response message as raw bytes.
func (c *RPCContext) GetRawResponse() ([]byte, error) {
	return prepareRawRPCResponse(c.Signer, c.Message.Res)
}

// prepareRawRPCResponse marshals data, signs the payload, and wraps both
// into a complete wire message.
func prepareRawRPCResponse(signer *Signer, data *RPCData) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("response data is nil")
	}

	resDataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}

	signature, err := signer.Sign(resDataBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response data: %w", err)
	}

	responseMessage := &RPCMessage{
		Res: data,
		Sig: []Signature{signature},
	}
	resMessageBytes, err := json.Marshal(responseMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response message: %w", err)
	}

	return resMessageBytes, nil
}

// prepareRawNotification builds a signed server-initiated message.
// Notifications carry request ID 0 since no request produced them.
func prepareRawNotification(signer *Signer, method string, params RPCDataParams) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}

	data := &RPCData{
		RequestID: 0,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}

	return prepareRawRPCResponse(signer, data)
}

// NewGroup creates a handler group under the root group. Groups carry
// shared middleware for the handlers registered on them.
func (n *RPCNode) NewGroup(name string) *RPCHandlerGroup {
	return &RPCHandlerGroup{
		groupID:     rpcNodeGroupHandlerPrefix + name,
		routePrefix: []string{n.groupID},
		root:        n,
	}
}

// Handle registers a handler for the given RPC method on the root group.
func (n *RPCNode) Handle(method string, handler RPCHandler) {
	n.handle(method, handler)
	n.routes[method] = []string{n.groupID, method}
}

func (n *RPCNode) handle(method string, handler RPCHandler) {
	if method == "" {
		panic("Websocket method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("Websocket handler cannot be nil for method %s", method))
	}

	n.chains[method] = []RPCHandler{handler}
}

// Use adds middleware to the root group. It runs for every request.
func (n *RPCNode) Use(middleware RPCHandler) {
	n.use(n.groupID, middleware)
}

func (n *RPCNode) use(groupID string, middleware RPCHandler) {
	if middleware == nil {
		panic("Websocket middleware handler cannot be nil for group")
	}

	n.chains[groupID] = append(n.chains[groupID], middleware)
}

// OnConnect registers a callback for new WebSocket sessions.
func (n *RPCNode) OnConnect(handler func(send SendRPCMessageFunc)) {
	n.onConnectHandlers = append(n.onConnectHandlers, handler)
}

// OnDisconnect registers a callback for closed sessions. The callback
// receives the signer identity if the session had authenticated.
func (n *RPCNode) OnDisconnect(handler func(userID string)) {
	n.onDisconnectHandlers = append(n.onDisconnectHandlers, handler)
}

// OnMessageSent registers a callback invoked after each outgoing message.
func (n *RPCNode) OnMessageSent(handler func()) {
	n.onMessageSentHandlers = append(n.onMessageSentHandlers, handler)
}

// OnAuthenticated registers a callback invoked when a session
// authenticates, with the identity and a send function for the session.
func (n *RPCNode) OnAuthenticated(handler func(userID string, send SendRPCMessageFunc)) {
	n.onAuthenticatedHandlers = append(n.onAuthenticatedHandlers, handler)
}

// Notify sends a notification to every session authenticated as userID.
// With no such session it is a no-op.
func (n *RPCNode) Notify(userID, method string, params RPCDataParams) {
	message, err := prepareRawNotification(n.signer, method, params)
	if err != nil {
		n.logger.Error("failed to prepare notification message", "error", err, "userID", userID, "method", method)
		return
	}

	n.connHub.Publish(userID, message)
}

func (n *RPCNode) getSendMessageFunc(conn *RPCConnection) SendRPCMessageFunc {
	return func(method string, params RPCDataParams) {
		message, err := prepareRawNotification(n.signer, method, params)
		if err != nil {
			n.logger.Error("failed to prepare notification message", "error", err, "method", method)
			return
		}

		if conn == nil {
			n.logger.Error("RPCConnection is nil, cannot send message", "method", method)
			return
		}

		conn.Write(message)
	}
}

// sendErrorResponse reports a protocol-level error before any handler
// runs. Frames without a usable request ID get a timestamp in its place
// so the client can still correlate.
func (n *RPCNode) sendErrorResponse(conn *RPCConnection, requestID uint64, message string) {
	if requestID == 0 {
		requestID = uint64(time.Now().UnixMilli())
	}
	if conn == nil {
		n.logger.Error("connection is nil, cannot send error response", "requestID", requestID)
		return
	}

	data := &RPCData{
		RequestID: requestID,
		Method:    "error",
		Params:    ErrorResponse{Error: message},
		Timestamp: uint64(time.Now().UnixMilli()),
	}

	responseBytes, err := prepareRawRPCResponse(n.signer, data)
	if err != nil {
		n.logger.Error("failed to prepare error response", "error", err)
		return
	}

	conn.Write(responseBytes)
}

// RPCHandlerGroup is a set of handlers sharing middleware. Groups nest,
// and a nested group inherits every ancestor's middleware.
type RPCHandlerGroup struct {
	groupID     string
	routePrefix []string
	root        *RPCNode
}

// NewGroup creates a nested group within this one.
func (hg *RPCHandlerGroup) NewGroup(name string) *RPCHandlerGroup {
	return &RPCHandlerGroup{
		groupID:     name,
		routePrefix: append(hg.routePrefix, hg.groupID),
		root:        hg.root,
	}
}

// Handle registers a handler for the method behind this group's
// middleware chain.
func (hg *RPCHandlerGroup) Handle(method string, handler RPCHandler) {
	hg.root.routes[method] = append(hg.routePrefix, hg.groupID, method)
	hg.root.handle(method, handler)
}

// Use adds middleware to this group.
func (hg *RPCHandlerGroup) Use(middleware RPCHandler) {
	hg.root.use(hg.groupID, middleware)
}

// SafeStorage is session-scoped key-value storage shared by the
// handlers of one connection.
type SafeStorage struct {
	mu    sync.RWMutex
	items map[string]any
}

func NewSafeStorage() *SafeStorage {
	return &SafeStorage{items: make(map[string]any)}
}

// Set stores a value under key, replacing any previous value.
func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Get returns the value under key and whether it was present.
func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	return value, ok
}
