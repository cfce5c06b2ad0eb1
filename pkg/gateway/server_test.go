package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/channels"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/tools"
)

func sessionMessage(sessionID, body string) session.Message {
	return session.Message{
		SessionID: sessionID,
		Role:      session.RoleAgentReply,
		Body:      body,
		Draft:     true,
	}
}

const testSecret = "test-secret"

type dispatchRecorder struct {
	mu       sync.Mutex
	messages []channels.InboundMessage
}

func (r *dispatchRecorder) dispatch(_ context.Context, msg channels.InboundMessage) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return map[string]string{"outcome": "replied"}, nil
}

func (r *dispatchRecorder) received() []channels.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channels.InboundMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func setupGateway(t *testing.T, approvals *tools.PendingGate) (*Server, *httptest.Server, *dispatchRecorder) {
	t.Helper()
	recorder := &dispatchRecorder{}
	srv, err := NewServer(Config{
		Port:         8100,
		SharedSecret: testSecret,
		Dispatch:     recorder.dispatch,
		Approvals:    approvals,
		Logger:       zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	t.Cleanup(ts.Close)
	return srv, ts, recorder
}

// dialAndAuth connects and completes the challenge-response handshake.
func dialAndAuth(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var challenge AuthChallenge
	require.NoError(t, conn.ReadJSON(&challenge))
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: SignChallenge(testSecret, challenge.Challenge),
	}))

	var result AuthResult
	require.NoError(t, conn.ReadJSON(&result))
	require.True(t, result.Success)
	return conn
}

// rpc sends one request and waits for its response, buffering any events
// that arrive in between.
func rpc(t *testing.T, conn *websocket.Conn, req RPCRequest) RPCResponse {
	t.Helper()
	req.JSONRPC = "2.0"
	require.NoError(t, conn.WriteJSON(req))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var resp RPCResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID == req.ID {
			return resp
		}
	}
	t.Fatalf("no response for request %s", req.ID)
	return RPCResponse{}
}

// readEvent waits for the next event with the given name.
func readEvent(t *testing.T, conn *websocket.Conn, event string) EventMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg EventMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Event == event {
			return msg
		}
	}
	t.Fatalf("event %s never arrived", event)
	return EventMessage{}
}

func identify(t *testing.T, conn *websocket.Conn, role ClientRole, tenantID, contactID string) {
	t.Helper()
	resp := rpc(t, conn, RPCRequest{
		ID:     "identify-" + string(role),
		Method: "identify",
		Params: map[string]interface{}{
			"role":       string(role),
			"tenant_id":  tenantID,
			"contact_id": contactID,
		},
	})
	require.Nil(t, resp.Error)
}

func TestServer_Authentication(t *testing.T) {
	t.Run("should reject RPC before authentication", func(t *testing.T) {
		_, ts, _ := setupGateway(t, nil)

		url := "ws" + strings.TrimPrefix(ts.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))

		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "system.status", JSONRPC: "2.0"}))

		var resp RPCResponse
		require.NoError(t, conn.ReadJSON(&resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("should reject an invalid signature", func(t *testing.T) {
		_, ts, _ := setupGateway(t, nil)

		url := "ws" + strings.TrimPrefix(ts.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		var challenge AuthChallenge
		require.NoError(t, conn.ReadJSON(&challenge))
		require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bogus"}))

		var result AuthResult
		require.NoError(t, conn.ReadJSON(&result))
		assert.False(t, result.Success)
	})

	t.Run("should authenticate a signed challenge", func(t *testing.T) {
		_, ts, _ := setupGateway(t, nil)
		conn := dialAndAuth(t, ts)

		resp := rpc(t, conn, RPCRequest{ID: "1", Method: "system.status"})
		assert.Nil(t, resp.Error)
	})
}

func TestServer_WebchatIngress(t *testing.T) {
	t.Run("should dispatch contact messages through the inbound contract", func(t *testing.T) {
		_, ts, recorder := setupGateway(t, nil)
		conn := dialAndAuth(t, ts)
		identify(t, conn, RoleContact, "tenant-1", "visitor-7")

		resp := rpc(t, conn, RPCRequest{
			ID:     "m1",
			Method: "chat.send",
			Params: map[string]interface{}{"body": "hello"},
		})
		require.Nil(t, resp.Error)

		msgs := recorder.received()
		require.Len(t, msgs, 1)
		assert.Equal(t, "tenant-1", msgs[0].TenantID)
		assert.Equal(t, "webchat", msgs[0].Channel)
		assert.Equal(t, "visitor-7", msgs[0].ExternalContactID)
		assert.Equal(t, "hello", msgs[0].Body)
	})

	t.Run("should refuse chat.send without contact identity", func(t *testing.T) {
		_, ts, recorder := setupGateway(t, nil)
		conn := dialAndAuth(t, ts)
		identify(t, conn, RoleOperator, "tenant-1", "")

		resp := rpc(t, conn, RPCRequest{
			ID:     "m1",
			Method: "chat.send",
			Params: map[string]interface{}{"body": "hello"},
		})

		require.NotNil(t, resp.Error)
		assert.Equal(t, IdentityRequired, resp.Error.Code)
		assert.Empty(t, recorder.received())
	})

	t.Run("should push outbound payloads to the connected contact", func(t *testing.T) {
		srv, ts, _ := setupGateway(t, nil)
		conn := dialAndAuth(t, ts)
		identify(t, conn, RoleContact, "tenant-1", "visitor-7")

		require.NoError(t, srv.Push("tenant-1", "visitor-7", map[string]string{"body": "agent says hi"}))

		evt := readEvent(t, conn, "chat.message")
		assert.Equal(t, StreamTypeChat, evt.Stream)
	})

	t.Run("should error when the contact is not connected", func(t *testing.T) {
		srv, _, _ := setupGateway(t, nil)
		err := srv.Push("tenant-1", "nobody", map[string]string{})
		require.Error(t, err)
	})
}

func TestServer_OperatorStreams(t *testing.T) {
	t.Run("should route drafts to the owning tenant's operators only", func(t *testing.T) {
		srv, ts, _ := setupGateway(t, nil)

		op1 := dialAndAuth(t, ts)
		identify(t, op1, RoleOperator, "tenant-1", "")
		op2 := dialAndAuth(t, ts)
		identify(t, op2, RoleOperator, "tenant-2", "")

		srv.PushDraft("tenant-1", sessionMessage("sess-1", "draft body"))

		evt := readEvent(t, op1, "draft.created")
		assert.Equal(t, StreamTypeDraft, evt.Stream)
		assert.Equal(t, "tenant-1", evt.TenantID)
		assert.Equal(t, "sess-1", evt.SessionID)

		// The other tenant's operator must not see it.
		_ = op2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, _, err := op2.ReadMessage()
		assert.Error(t, err, "expected read timeout, got an event")
	})
}

func TestServer_ApprovalFlow(t *testing.T) {
	t.Run("should forward approvals to operators and resolve decisions", func(t *testing.T) {
		gate := tools.NewPendingGate(tools.PendingGateConfig{
			Timeout: 5 * time.Second,
			Logger:  zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
		})
		_, ts, _ := setupGateway(t, gate)

		conn := dialAndAuth(t, ts)
		identify(t, conn, RoleOperator, "tenant-1", "")

		type approvalOutcome struct {
			decision tools.Decision
			err      error
		}
		outcome := make(chan approvalOutcome, 1)
		go func() {
			decision, err := gate.RequestApproval(context.Background(), tools.ApprovalRequest{
				Tool:     "send_invoice",
				TenantID: "tenant-1",
				AgentID:  "agent-1",
			})
			outcome <- approvalOutcome{decision, err}
		}()

		evt := readEvent(t, conn, "tool.approval_request")
		data, ok := evt.Data.(map[string]interface{})
		require.True(t, ok)
		approvalID, _ := data["approval_id"].(string)
		require.NotEmpty(t, approvalID)
		assert.Equal(t, "send_invoice", data["tool"])

		resp := rpc(t, conn, RPCRequest{
			ID:     "a1",
			Method: "tools.approve",
			Params: map[string]interface{}{
				"approval_id": approvalID,
				"approved":    true,
				"reason":      "looks fine",
			},
		})
		require.Nil(t, resp.Error)

		select {
		case got := <-outcome:
			require.NoError(t, got.err)
			assert.True(t, got.decision.Approved)
			assert.Equal(t, "looks fine", got.decision.Reason)
		case <-time.After(5 * time.Second):
			t.Fatal("approval was never resolved")
		}
	})
}
