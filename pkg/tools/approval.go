package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ApprovalRequest asks a human to allow one tool invocation.
type ApprovalRequest struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Params    map[string]interface{} `json:"params"`
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id"`
	SessionID string                 `json:"session_id"`
	CreatedAt time.Time              `json:"created_at"`
}

// Decision is the human's answer to an approval request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalGate decides whether a gated tool invocation may run.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// Notifier receives new pending approval requests, e.g. to forward them to
// connected operator clients.
type Notifier func(req ApprovalRequest)

// PendingGate queues approval requests for out-of-band human decisions.
// A request that nobody answers before the deadline is rejected.
type PendingGate struct {
	timeout  time.Duration
	logger   zerolog.Logger
	notifier Notifier

	mu      sync.Mutex
	pending map[string]chan Decision
}

// PendingGateConfig holds gate configuration.
type PendingGateConfig struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewPendingGate creates an approval gate with a decision deadline.
func NewPendingGate(cfg PendingGateConfig) *PendingGate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &PendingGate{
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "approval").Logger(),
		pending: make(map[string]chan Decision),
	}
}

// SetNotifier installs the callback invoked for each new pending request.
func (g *PendingGate) SetNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

// RequestApproval queues the request and blocks until a decision, the
// deadline, or context cancellation. No decision in time means rejected.
func (g *PendingGate) RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to generate approval id: %w", err)
	}
	req.ID = id
	req.CreatedAt = time.Now()

	decisionChan := make(chan Decision, 1)

	g.mu.Lock()
	g.pending[id] = decisionChan
	notifier := g.notifier
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	g.logger.Info().
		Str("approvalId", id).
		Str("tool", req.Tool).
		Str("agentId", req.AgentID).
		Msg("Approval requested")

	if notifier != nil {
		notifier(req)
	}

	select {
	case decision := <-decisionChan:
		return decision, nil
	case <-time.After(g.timeout):
		g.logger.Warn().
			Str("approvalId", id).
			Str("tool", req.Tool).
			Dur("timeout", g.timeout).
			Msg("Approval request timed out")
		return Decision{}, fmt.Errorf("approval request timed out after %v", g.timeout)
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve answers a pending request. Unknown or already-answered IDs return
// an error so operator clients get feedback.
func (g *PendingGate) Resolve(id string, decision Decision) error {
	g.mu.Lock()
	decisionChan, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending approval with id %s", id)
	}

	decisionChan <- decision
	g.logger.Info().
		Str("approvalId", id).
		Bool("approved", decision.Approved).
		Msg("Approval resolved")
	return nil
}

// PendingCount returns how many requests are waiting for a decision.
func (g *PendingGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// StaticGate answers every request the same way. Used in tests and for
// fully autonomous deployments.
type StaticGate struct {
	Approved bool
	Reason   string
}

// RequestApproval implements ApprovalGate.
func (s *StaticGate) RequestApproval(ctx context.Context, req ApprovalRequest) (Decision, error) {
	return Decision{Approved: s.Approved, Reason: s.Reason}, nil
}
