package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRPCNodeRouting runs a node with the same routing shape as the
// service: a root-level public method, an auth method that binds a
// signer identity to the session, a gated private group, and a nested
// keys group. One client connection exercises all of it.
func TestRPCNodeRouting(t *testing.T) {
	signer, err := NewSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	logger := NewLoggerIPFS("root")

	node := NewRPCNode(signer, logger)
	require.NotNil(t, node)

	sessionIdentity := "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

	var mu sync.Mutex
	messageSent := newEventSignal()
	disconnected := newEventSignal()
	disconnectedIdentity := ""

	node.OnConnect(func(send SendRPCMessageFunc) {
		send("welcome", map[string]any{"service": "verinode"})
	})
	node.OnAuthenticated(func(userID string, send SendRPCMessageFunc) {
		send("session_ready", map[string]any{"identity": userID})
	})
	node.OnDisconnect(func(userID string) {
		mu.Lock()
		defer mu.Unlock()
		disconnectedIdentity = userID
		disconnected.fire()
	})
	node.OnMessageSent(func() {
		messageSent.fire()
	})

	// Root middleware stamps every request so handlers can prove the
	// chain ran from the top.
	const auditKey = "audit_stamp"
	node.Use(func(c *RPCContext) {
		c.Storage.Set(auditKey, c.Message.Req.Method)
		c.Next()
	})

	node.Handle("ping", func(c *RPCContext) {
		stamp, _ := c.Storage.Get(auditKey)
		c.Succeed("pong", map[string]any{
			"identity": c.UserID,
			"audit":    stamp,
		})
	})

	node.Handle("auth_session", func(c *RPCContext) {
		c.UserID = sessionIdentity
		c.Succeed("auth_session", map[string]any{"identity": c.UserID})
	})

	private := node.NewGroup("private")
	private.Use(func(c *RPCContext) {
		if c.UserID == "" {
			c.Fail(nil, "authentication required")
			return
		}
		c.Next()
	})
	private.Handle("whoami", func(c *RPCContext) {
		stamp, _ := c.Storage.Get(auditKey)
		c.Succeed("whoami", map[string]any{
			"identity": c.UserID,
			"audit":    stamp,
		})
	})

	const scopeKey = "key_scope"
	keys := private.NewGroup("keys")
	keys.Use(func(c *RPCContext) {
		c.Storage.Set(scopeKey, "key-directory")
		c.Next()
	})
	keys.Handle("list_keys", func(c *RPCContext) {
		scope, _ := c.Storage.Get(scopeKey)
		stamp, _ := c.Storage.Get(auditKey)
		c.Succeed("list_keys", map[string]any{
			"identity": c.UserID,
			"scope":    scope,
			"audit":    stamp,
		})
	})

	server := httptest.NewServer(http.HandlerFunc(node.HandleConnection))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	receive := func(t *testing.T) *RPCMessage {
		t.Helper()
		var msg RPCMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return &msg
	}

	call := func(t *testing.T, requestID uint64, method string, params RPCDataParams) *RPCMessage {
		t.Helper()
		if params == nil {
			params = []any{}
		}
		req := &RPCMessage{
			Req: &RPCData{
				RequestID: requestID,
				Method:    method,
				Params:    params,
				Timestamp: uint64(time.Now().UnixMilli()),
			},
			Sig: []Signature{},
		}
		require.NoError(t, conn.WriteJSON(req))
		return receive(t)
	}

	responseParams := func(t *testing.T, msg *RPCMessage) map[string]any {
		t.Helper()
		require.NotNil(t, msg.Res)
		params, ok := msg.Res.Params.(map[string]any)
		require.True(t, ok, "params should be a map[string]any")
		return params
	}

	t.Run("connect pushes a signed welcome", func(t *testing.T) {
		resp := receive(t)
		require.NotNil(t, resp.Res)
		assert.Equal(t, "welcome", resp.Res.Method)
		assert.Len(t, resp.Sig, 1)
		assert.True(t, messageSent.wait())
	})

	t.Run("public method works without auth", func(t *testing.T) {
		resp := call(t, 1, "ping", nil)
		assert.Equal(t, "pong", resp.Res.Method)
		assert.Len(t, resp.Sig, 1)

		params := responseParams(t, resp)
		assert.Equal(t, "", params["identity"])
		assert.Equal(t, "ping", params["audit"])
		assert.True(t, messageSent.wait())
	})

	t.Run("private group rejects unauthenticated sessions", func(t *testing.T) {
		resp := call(t, 2, "whoami", nil)
		assert.Equal(t, "error", resp.Res.Method)
		assert.Equal(t, uint64(2), resp.Res.RequestID)
		assert.True(t, messageSent.wait())
	})

	t.Run("auth binds the identity and announces the session", func(t *testing.T) {
		resp := call(t, 3, "auth_session", nil)
		assert.Equal(t, "auth_session", resp.Res.Method)
		assert.Equal(t, sessionIdentity, responseParams(t, resp)["identity"])
		assert.True(t, messageSent.wait())

		ready := receive(t)
		require.NotNil(t, ready.Res)
		assert.Equal(t, "session_ready", ready.Res.Method)
		assert.Equal(t, sessionIdentity, responseParams(t, ready)["identity"])
		assert.Len(t, ready.Sig, 1)
		assert.True(t, messageSent.wait())
	})

	t.Run("private group admits the authenticated session", func(t *testing.T) {
		resp := call(t, 4, "whoami", nil)
		assert.Equal(t, "whoami", resp.Res.Method)

		params := responseParams(t, resp)
		assert.Equal(t, sessionIdentity, params["identity"])
		assert.Equal(t, "whoami", params["audit"])
		assert.True(t, messageSent.wait())
	})

	t.Run("nested group inherits every middleware layer", func(t *testing.T) {
		resp := call(t, 5, "list_keys", nil)
		assert.Equal(t, "list_keys", resp.Res.Method)

		params := responseParams(t, resp)
		assert.Equal(t, sessionIdentity, params["identity"])
		assert.Equal(t, "key-directory", params["scope"])
		assert.Equal(t, "list_keys", params["audit"])
		assert.True(t, messageSent.wait())
	})

	t.Run("notify reaches the authenticated session", func(t *testing.T) {
		node.Notify(sessionIdentity, "key_update", map[string]any{"scheme": "eddsa", "action": "registered"})

		resp := receive(t)
		require.NotNil(t, resp.Res)
		assert.Equal(t, "key_update", resp.Res.Method)
		assert.Equal(t, "eddsa", responseParams(t, resp)["scheme"])
		assert.Len(t, resp.Sig, 1)
		assert.True(t, messageSent.wait())
	})

	t.Run("unknown method returns an error response", func(t *testing.T) {
		resp := call(t, 6, "no_such_method", nil)
		assert.Equal(t, "error", resp.Res.Method)
		assert.Contains(t, responseParams(t, resp)["error"], "unknown method")
		assert.True(t, messageSent.wait())
	})

	t.Run("malformed frame returns an error response", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

		resp := receive(t)
		require.NotNil(t, resp.Res)
		assert.Equal(t, "error", resp.Res.Method)
		assert.Contains(t, responseParams(t, resp)["error"], "invalid message format")
		assert.True(t, messageSent.wait())
	})

	t.Run("disconnect reports the bound identity", func(t *testing.T) {
		require.NoError(t, conn.Close())
		assert.True(t, disconnected.wait())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, sessionIdentity, disconnectedIdentity)
		assert.False(t, messageSent.wait())
	})
}

type eventSignal struct {
	ch chan struct{}
}

func newEventSignal() *eventSignal {
	return &eventSignal{ch: make(chan struct{}, 5)}
}

func (s *eventSignal) fire() {
	s.ch <- struct{}{}
}

// wait reports whether the event fired within half a second.
func (s *eventSignal) wait() bool {
	select {
	case <-s.ch:
		return true
	case <-time.After(500 * time.Millisecond):
		return false
	}
}
