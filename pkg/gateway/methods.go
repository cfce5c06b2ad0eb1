package gateway

import (
	"context"
	"time"

	"github.com/parleyhq/parley/pkg/channels"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("identify", s.handleIdentify)
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("system.status", s.handleSystemStatus)

	if s.history != nil {
		_ = s.RegisterMethod("sessions.history", s.handleSessionsHistory)
	}
}

// handleIdentify binds an authenticated connection to a role and tenant.
// Contacts must also name their conversation identity.
func (s *Server) handleIdentify(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "unknown client"}
	}

	roleStr, _ := params["role"].(string)
	role := ClientRole(roleStr)
	if role != RoleOperator && role != RoleContact {
		return nil, &RPCError{Code: InvalidParams, Message: "role must be operator or contact"}
	}

	tenantID, _ := params["tenant_id"].(string)
	if tenantID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "tenant_id is required"}
	}

	contactID, _ := params["contact_id"].(string)
	if role == RoleContact && contactID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "contact_id is required for contacts"}
	}

	client.Role = role
	client.TenantID = tenantID
	client.ContactID = contactID

	s.logger.Info().
		Str("clientId", client.ID).
		Str("role", string(role)).
		Str("tenantId", tenantID).
		Msg("Client identified")

	return map[string]bool{"success": true}, nil
}

// handleChatSend is the webchat ingress: it translates the frame to the
// inbound contract and hands it to the pipeline.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	body, ok := params["body"].(string)
	if !ok || body == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "body is required"}
	}

	tenantID, contactID := s.senderIdentity(ctx, params)
	if tenantID == "" || contactID == "" {
		return nil, &RPCError{Code: IdentityRequired, Message: "identify as a contact first"}
	}

	var metadata map[string]interface{}
	if m, ok := params["metadata"].(map[string]interface{}); ok {
		metadata = m
	}

	result, err := s.dispatch(ctx, channels.InboundMessage{
		TenantID:          tenantID,
		Channel:           "webchat",
		ExternalContactID: contactID,
		Body:              body,
		Metadata:          metadata,
	})
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return result, nil
}

// senderIdentity resolves the sending conversation: the identified websocket
// client when present, explicit params for HTTP RPC callers.
func (s *Server) senderIdentity(ctx context.Context, params map[string]interface{}) (string, string) {
	if client, ok := s.clients.Get(clientIDFromContext(ctx)); ok {
		if client.Role == RoleContact {
			return client.TenantID, client.ContactID
		}
		return "", ""
	}
	tenantID, _ := params["tenant_id"].(string)
	contactID, _ := params["contact_id"].(string)
	return tenantID, contactID
}

// handleSessionsHistory returns the recent messages of one session for the
// operator console.
func (s *Server) handleSessionsHistory(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if ok && client.Role != RoleOperator {
		return nil, &RPCError{Code: IdentityRequired, Message: "operator role required"}
	}

	sessionID, ok := params["session_id"].(string)
	if !ok || sessionID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "session_id is required"}
	}

	limit := 50
	if n, ok := params["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	messages, err := s.history.History(ctx, sessionID, limit)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"messages": messages}, nil
}

// handleSystemStatus reports gateway liveness and connection counts.
func (s *Server) handleSystemStatus(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"status":         "ok",
		"clients":        s.clients.Count(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}, nil
}
