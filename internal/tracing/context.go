package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for the inbound request ID (idempotency)
	RequestIDKey ContextKey = "request_id"
	// TenantIDKey is the context key for tenant ID
	TenantIDKey ContextKey = "tenant_id"
	// SessionIDKey is the context key for session ID
	SessionIDKey ContextKey = "session_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// DispatchIDKey is the context key for one dispatch invocation
	DispatchIDKey ContextKey = "dispatch_id"
	// FanOutIDKey is the context key for a fan-out execution
	FanOutIDKey ContextKey = "fanout_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RequestID  string
	TenantID   string
	SessionID  string
	AgentID    string
	DispatchID string
	FanOutID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewDispatchID generates a new dispatch ID
func NewDispatchID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithDispatchID adds a dispatch ID to the context
func WithDispatchID(ctx context.Context, dispatchID string) context.Context {
	return context.WithValue(ctx, DispatchIDKey, dispatchID)
}

// WithFanOutID adds a fan-out execution ID to the context
func WithFanOutID(ctx context.Context, fanOutID string) context.Context {
	return context.WithValue(ctx, FanOutIDKey, fanOutID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetTenantID retrieves the tenant ID from the context
func GetTenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantIDKey).(string); ok {
		return tenantID
	}
	return ""
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetDispatchID retrieves the dispatch ID from the context
func GetDispatchID(ctx context.Context) string {
	if dispatchID, ok := ctx.Value(DispatchIDKey).(string); ok {
		return dispatchID
	}
	return ""
}

// GetFanOutID retrieves the fan-out execution ID from the context
func GetFanOutID(ctx context.Context) string {
	if fanOutID, ok := ctx.Value(FanOutIDKey).(string); ok {
		return fanOutID
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RequestID:  GetRequestID(ctx),
		TenantID:   GetTenantID(ctx),
		SessionID:  GetSessionID(ctx),
		AgentID:    GetAgentID(ctx),
		DispatchID: GetDispatchID(ctx),
		FanOutID:   GetFanOutID(ctx),
	}
}

// NewContext creates a new context carrying the given tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.TenantID != "" {
		ctx = WithTenantID(ctx, tc.TenantID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.DispatchID != "" {
		ctx = WithDispatchID(ctx, tc.DispatchID)
	}
	if tc.FanOutID != "" {
		ctx = WithFanOutID(ctx, tc.FanOutID)
	}
	return ctx
}

// NewInboundContext creates a context for one inbound message with a fresh trace ID
func NewInboundContext(ctx context.Context, tenantID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	if tenantID != "" {
		ctx = WithTenantID(ctx, tenantID)
	}
	return ctx
}

// NewDispatchContext creates a context for one agent dispatch with a fresh dispatch ID
func NewDispatchContext(ctx context.Context, agentID string) context.Context {
	ctx = WithDispatchID(ctx, NewDispatchID())
	ctx = WithAgentID(ctx, agentID)
	return ctx
}
