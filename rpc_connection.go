package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCConnection wraps a single WebSocket session. It owns the read and
// write pumps for the socket and carries the signer identity once the
// session has authenticated.
type RPCConnection struct {
	id        string
	userID    string
	ws        *websocket.Conn
	logger    Logger
	sentHooks []func()

	// outbound buffers messages headed to the peer, inbound buffers
	// frames awaiting dispatch. forceClose tears the session down when
	// the peer stops draining outbound.
	outbound   chan []byte
	inbound    chan []byte
	forceClose chan struct{}

	mu sync.RWMutex // guards userID
}

// NewRPCConnection creates a connection wrapper around an accepted socket.
func NewRPCConnection(connID, userID string, ws *websocket.Conn, logger Logger, sentHooks ...func()) *RPCConnection {
	if sentHooks == nil {
		sentHooks = []func(){}
	}

	return &RPCConnection{
		id:        connID,
		userID:    userID,
		ws:        ws,
		logger:    logger.With("connectionID", connID),
		sentHooks: sentHooks,

		outbound:   make(chan []byte, 10),
		inbound:    make(chan []byte, 10),
		forceClose: make(chan struct{}),
	}
}

// Serve runs the session until the socket drops or the parent context is
// canceled. abortParents is invoked on exit so the caller's goroutines
// unwind with the session.
func (conn *RPCConnection) Serve(parentCtx context.Context, abortParents func()) {
	defer abortParents()

	ctx, cancel := context.WithCancel(parentCtx)

	var wg sync.WaitGroup
	wg.Add(2)
	stop := func() {
		cancel()
		wg.Done()
	}

	// The read pump exits on its own when the socket errors, so it is
	// not part of the wait group. The write pump and the close watcher
	// are both canceled through ctx.
	go conn.readPump(cancel)
	go conn.writePump(ctx, stop)
	go conn.watchForceClose(ctx, stop)

	wg.Wait()
	if err := conn.ws.Close(); err != nil {
		conn.logger.Error("error closing WebSocket connection", "error", err)
	}
}

// ConnectionID returns the unique identifier for this connection.
func (conn *RPCConnection) ConnectionID() string {
	return conn.id
}

// UserID returns the authenticated signer identity, empty before auth.
func (conn *RPCConnection) UserID() string {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.userID
}

// SetUserID records the signer identity after authentication.
func (conn *RPCConnection) SetUserID(userID string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.userID = userID
}

// ProcessSink exposes the inbound frame channel. It is closed when the
// socket read loop exits.
func (conn *RPCConnection) ProcessSink() <-chan []byte {
	return conn.inbound
}

func (conn *RPCConnection) readPump(stopWriters func()) {
	defer stopWriters()
	defer close(conn.inbound)

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				conn.logger.Error("WebSocket connection closed with unexpected reason", "error", err)
			}
			return
		}

		if len(frame) == 0 {
			conn.logger.Debug("received empty message, skipping")
			continue
		}
		conn.inbound <- frame
	}
}

func (conn *RPCConnection) writePump(ctx context.Context, stop context.CancelFunc) {
	defer stop()

	for {
		var frame []byte
		select {
		case <-ctx.Done():
			conn.logger.Debug("context done, stopping message writing")
			return
		case frame = <-conn.outbound:
		}
		if len(frame) == 0 {
			continue
		}

		if err := conn.writeFrame(frame); err != nil {
			conn.logger.Error("error writing response", "error", err)
			continue
		}

		for _, hook := range conn.sentHooks {
			hook()
		}
	}
}

func (conn *RPCConnection) writeFrame(frame []byte) error {
	w, err := conn.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (conn *RPCConnection) watchForceClose(ctx context.Context, stop context.CancelFunc) {
	defer stop()

	select {
	case <-ctx.Done():
		conn.logger.Debug("context done, stopping connection close wait")
	case <-conn.forceClose:
		conn.logger.Info("WebSocket connection closed by server", "connectionID", conn.id)
	}
}

// Write queues a message for the peer. A session that does not drain its
// outbound buffer within the write timeout is forcibly closed rather than
// left to block the sender.
func (conn *RPCConnection) Write(message []byte) {
	select {
	case conn.outbound <- message:
	case <-time.After(defaultRPCMessageWriteDuration):
		conn.forceClose <- struct{}{}
	}
}

// rpcConnectionHub tracks live sessions and the signer identities bound
// to them. All operations are safe for concurrent use.
type rpcConnectionHub struct {
	byID   map[string]*RPCConnection
	byUser map[string]map[string]struct{}
	mu     sync.RWMutex
}

func newRPCConnectionHub() *rpcConnectionHub {
	return &rpcConnectionHub{
		byID:   make(map[string]*RPCConnection),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Add registers a connection. Connection IDs must be unique; registering
// the same ID twice is an error.
func (hub *rpcConnectionHub) Add(conn *RPCConnection) error {
	connID := conn.ConnectionID()
	userID := conn.UserID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.byID[connID]; exists {
		return fmt.Errorf("connection with ID %s already exists", connID)
	}
	hub.byID[connID] = conn

	if userID != "" {
		hub.bindLocked(userID, connID)
	}
	return nil
}

// Reauthenticate moves an existing connection to a new signer identity,
// dropping any binding to the previous one.
func (hub *rpcConnectionHub) Reauthenticate(connID, userID string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, exists := hub.byID[connID]
	if !exists {
		return fmt.Errorf("connection with ID %s does not exist", connID)
	}

	if prev := conn.UserID(); prev != "" {
		hub.unbindLocked(prev, connID)
	}

	conn.SetUserID(userID)
	hub.bindLocked(userID, connID)
	return nil
}

// Get returns the connection with the given ID, or nil.
func (hub *rpcConnectionHub) Get(connID string) *RPCConnection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.byID[connID]
}

// Remove drops a connection and its identity binding, if any.
func (hub *rpcConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.byID[connID]
	if !ok {
		return
	}
	delete(hub.byID, connID)

	if userID := conn.UserID(); userID != "" {
		hub.unbindLocked(userID, connID)
	}
}

// Publish fans a message out to every live connection authenticated as
// userID. Unknown identities are a no-op.
func (hub *rpcConnectionHub) Publish(userID string, message []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID := range hub.byUser[userID] {
		conn := hub.byID[connID]
		if conn == nil || conn.outbound == nil {
			continue
		}
		conn.Write(message)
	}
}

func (hub *rpcConnectionHub) bindLocked(userID, connID string) {
	if _, ok := hub.byUser[userID]; !ok {
		hub.byUser[userID] = make(map[string]struct{})
	}
	hub.byUser[userID][connID] = struct{}{}
}

func (hub *rpcConnectionHub) unbindLocked(userID, connID string) {
	conns, ok := hub.byUser[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(hub.byUser, userID)
	}
}
