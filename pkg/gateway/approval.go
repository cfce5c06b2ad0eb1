package gateway

import (
	"context"
	"time"

	"github.com/parleyhq/parley/pkg/tools"
)

// forwardApprovals wires the approval gate to the operator stream: new
// pending requests are broadcast to the owning tenant's operators, and the
// tools.approve method resolves them.
func (s *Server) forwardApprovals() {
	s.approvals.SetNotifier(func(req tools.ApprovalRequest) {
		s.broadcaster.BroadcastTyped(EventMessage{
			Event:    "tool.approval_request",
			Stream:   StreamTypeApproval,
			TenantID: req.TenantID,
			Data: map[string]interface{}{
				"approval_id": req.ID,
				"tool":        req.Tool,
				"params":      req.Params,
				"agent_id":    req.AgentID,
				"session_id":  req.SessionID,
				"created_at":  req.CreatedAt.UnixMilli(),
			},
			Timestamp: time.Now().UnixMilli(),
		})
	})

	_ = s.router.RegisterMethod("tools.approve", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		if client, ok := s.clients.Get(clientIDFromContext(ctx)); ok && client.Role != RoleOperator {
			return nil, &RPCError{Code: IdentityRequired, Message: "operator role required"}
		}

		id, ok := params["approval_id"].(string)
		if !ok || id == "" {
			return nil, &RPCError{Code: InvalidParams, Message: "approval_id is required"}
		}

		approved, ok := params["approved"].(bool)
		if !ok {
			return nil, &RPCError{Code: InvalidParams, Message: "approved is required"}
		}

		reason, _ := params["reason"].(string)

		if err := s.approvals.Resolve(id, tools.Decision{Approved: approved, Reason: reason}); err != nil {
			return nil, &RPCError{Code: InternalError, Message: err.Error()}
		}

		return map[string]bool{"success": true}, nil
	})
}
