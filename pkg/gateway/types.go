package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies typed event streams delivered to gateway clients.
type StreamType string

const (
	StreamTypeChat      StreamType = "chat"
	StreamTypeDraft     StreamType = "draft"
	StreamTypeApproval  StreamType = "approval"
	StreamTypeFanOut    StreamType = "fanout"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// ClientRole distinguishes operator consoles from webchat contacts.
type ClientRole string

const (
	RoleOperator ClientRole = "operator"
	RoleContact  ClientRole = "contact"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TenantID  string      `json:"tenant_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string     `json:"id"`
	Role          ClientRole `json:"role,omitempty"`
	TenantID      string     `json:"tenant_id,omitempty"`
	Authenticated bool       `json:"authenticated"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastActivity  time.Time  `json:"lastActivity"`
	IPAddress     string     `json:"ipAddress"`
	Idle          bool       `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler is a function that handles RPC requests
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	IdentityRequired       = -32002
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// Client represents a connected WebSocket client. TenantID and ContactID are
// set by the identify call after authentication; a contact belongs to one
// conversation, an operator sees its whole tenant.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Role          ClientRole
	TenantID      string
	ContactID     string
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu chan struct{}
}

// WriteJSON serializes writes to the underlying connection; gorilla permits
// only one concurrent writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.lockWrite()
	defer c.unlockWrite()
	return c.Conn.WriteJSON(v)
}

// WriteRaw writes a prepared text frame.
func (c *Client) WriteRaw(data []byte) error {
	c.lockWrite()
	defer c.unlockWrite()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) lockWrite() {
	c.writeMu <- struct{}{}
}

func (c *Client) unlockWrite() {
	<-c.writeMu
}

func newClient(id string, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    remoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
		writeMu:      make(chan struct{}, 1),
	}
}
