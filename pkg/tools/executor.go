// Package tools runs agent-requested tools behind an allow-list, schema
// validation, and an approval gate.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/directory"
)

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Definition describes one registered tool.
type Definition struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Parameters       map[string]interface{} `json:"parameters"` // JSON schema
	Handler          Handler                `json:"-"`
	RequiresApproval bool                   `json:"requires_approval"`
}

// ExecutionRequest is one tool invocation on behalf of an agent.
type ExecutionRequest struct {
	Tool      string
	Params    map[string]interface{}
	TenantID  string
	AgentID   string
	SessionID string

	// AllowedTools is the agent's policy; Entitlements the tenant's.
	// A tool runs only if both admit it ("*" admits everything).
	AllowedTools []string
	Entitlements []string

	Autonomy directory.Autonomy
	Timeout  time.Duration
}

// Result is the outcome of one tool execution. Tool failures are data, not
// pipeline faults: the dispatcher feeds Result back to the model either way.
type Result struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Config holds executor configuration.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	Gate           ApprovalGate
	Logger         zerolog.Logger
}

// Executor manages and executes tools.
type Executor struct {
	defaultTimeout time.Duration
	maxOutputBytes int
	gate           ApprovalGate
	logger         zerolog.Logger

	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
}

// NewExecutor creates a tool executor.
func NewExecutor(cfg Config) *Executor {
	observability.EnsureRegistered()

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 10 * 1024
	}

	return &Executor{
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		gate:           cfg.Gate,
		logger:         cfg.Logger.With().Str("component", "tools").Logger(),
		tools:          make(map[string]*Definition),
		schemas:        make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool.
func (e *Executor) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.Parameters == nil {
		def.Parameters = map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
	if err != nil {
		return fmt.Errorf("invalid parameter schema for tool %s: %w", def.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tools[def.Name] = &def
	e.schemas[def.Name] = schema

	e.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name, or nil.
func (e *Executor) Get(name string) *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tools[name]
}

// Specs returns the advertised definitions for a set of tool names, in
// allow-list order. Unknown names are skipped.
func (e *Executor) Specs(allowed []string) []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(allowed) == 1 && allowed[0] == "*" {
		allowed = make([]string, 0, len(e.tools))
		for name := range e.tools {
			allowed = append(allowed, name)
		}
	}

	specs := make([]Definition, 0, len(allowed))
	for _, name := range allowed {
		if def, ok := e.tools[name]; ok {
			specs = append(specs, *def)
		}
	}
	return specs
}

// List returns all registered tool names.
func (e *Executor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	return names
}

func listAllows(list []string, tool string) bool {
	for _, entry := range list {
		if entry == tool || entry == "*" {
			return true
		}
	}
	return false
}

// Execute runs one tool invocation. Every failure mode comes back as a
// Result; the error return is reserved for a nil receiver misuse.
func (e *Executor) Execute(ctx context.Context, req ExecutionRequest) *Result {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if !listAllows(req.AllowedTools, req.Tool) || !listAllows(req.Entitlements, req.Tool) {
		logger.Warn().
			Str("tool", req.Tool).
			Str("agentId", req.AgentID).
			Msg("Tool blocked by allow-list")
		observability.RecordToolExecution(req.Tool, time.Since(start), false)
		observability.RecordToolAudit(ctx, req.Tool, req.AgentID, "failure", map[string]interface{}{
			"tenant_id": req.TenantID,
			"code":      "tool_not_allowed",
		})
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("tool %q is not allowed for this agent", req.Tool),
			Metadata: map[string]interface{}{
				"code": "tool_not_allowed",
			},
		}
	}

	e.mu.RLock()
	tool := e.tools[req.Tool]
	schema := e.schemas[req.Tool]
	e.mu.RUnlock()

	if tool == nil {
		observability.RecordToolExecution(req.Tool, time.Since(start), false)
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", req.Tool),
		}
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	validation, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		observability.RecordToolExecution(req.Tool, time.Since(start), false)
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}
	if !validation.Valid() {
		issues := make([]string, 0, len(validation.Errors()))
		for _, issue := range validation.Errors() {
			issues = append(issues, issue.String())
		}
		observability.RecordToolExecution(req.Tool, time.Since(start), false)
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("invalid parameters: %s", strings.Join(issues, "; ")),
		}
	}

	if result := e.checkApproval(ctx, tool, req, logger); result != nil {
		observability.RecordToolExecution(req.Tool, time.Since(start), false)
		return result
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		output, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(start)
		truncatedOutput, truncated := e.truncateOutput(output)

		logger.Debug().
			Str("tool", req.Tool).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(req.Tool, duration, true)
		observability.RecordToolAudit(ctx, req.Tool, req.AgentID, "success", map[string]interface{}{
			"tenant_id":   req.TenantID,
			"duration_ms": duration.Milliseconds(),
		})

		return &Result{
			Success:   true,
			Output:    truncatedOutput,
			Truncated: truncated,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}

	case err := <-errChan:
		duration := time.Since(start)
		logger.Warn().
			Str("tool", req.Tool).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(req.Tool, duration, false)
		observability.RecordToolAudit(ctx, req.Tool, req.AgentID, "failure", map[string]interface{}{
			"tenant_id": req.TenantID,
			"error":     err.Error(),
		})

		return &Result{
			Success: false,
			Error:   err.Error(),
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		logger.Warn().
			Str("tool", req.Tool).
			Dur("duration", duration).
			Msg("Tool execution timeout")
		observability.RecordToolExecution(req.Tool, duration, false)
		observability.RecordToolAudit(ctx, req.Tool, req.AgentID, "failure", map[string]interface{}{
			"tenant_id": req.TenantID,
			"code":      "timeout",
		})

		return &Result{
			Success: false,
			Error:   fmt.Sprintf("tool execution timeout after %v", timeout),
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}
	}
}

// checkApproval routes the invocation through the gate when the agent's
// autonomy or the tool demands it. A non-nil result means "blocked".
func (e *Executor) checkApproval(ctx context.Context, tool *Definition, req ExecutionRequest, logger zerolog.Logger) *Result {
	needsApproval := tool.RequiresApproval || (req.Autonomy != directory.AutonomyAutonomous && req.Autonomy != "")
	if !needsApproval {
		return nil
	}

	if e.gate == nil {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("tool %q requires approval but no approval gate is configured", req.Tool),
			Metadata: map[string]interface{}{
				"code": "approval_rejected",
			},
		}
	}

	decision, err := e.gate.RequestApproval(ctx, ApprovalRequest{
		Tool:      req.Tool,
		Params:    req.Params,
		TenantID:  req.TenantID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
	})
	if err != nil {
		logger.Warn().Str("tool", req.Tool).Err(err).Msg("Approval request failed")
		observability.RecordApprovalDecision("timeout")
		observability.RecordApprovalAudit(ctx, req.Tool, req.AgentID, "timeout", map[string]interface{}{
			"tenant_id": req.TenantID,
		})
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("approval not granted: %v", err),
			Metadata: map[string]interface{}{
				"code": "approval_timeout",
			},
		}
	}
	if !decision.Approved {
		logger.Info().
			Str("tool", req.Tool).
			Str("reason", decision.Reason).
			Msg("Approval denied")
		observability.RecordApprovalDecision("rejected")
		observability.RecordApprovalAudit(ctx, req.Tool, req.AgentID, "rejected", map[string]interface{}{
			"tenant_id": req.TenantID,
			"reason":    decision.Reason,
		})
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("approval rejected: %s", decision.Reason),
			Metadata: map[string]interface{}{
				"code": "approval_rejected",
			},
		}
	}

	observability.RecordApprovalDecision("approved")
	observability.RecordApprovalAudit(ctx, req.Tool, req.AgentID, "approved", map[string]interface{}{
		"tenant_id": req.TenantID,
	})
	return nil
}

// truncateOutput caps string-serializable output at the configured size.
func (e *Executor) truncateOutput(output interface{}) (interface{}, bool) {
	text, ok := output.(string)
	if !ok {
		encoded, err := json.Marshal(output)
		if err != nil || len(encoded) <= e.maxOutputBytes {
			return output, false
		}
		text = string(encoded)
	}

	if len(text) <= e.maxOutputBytes {
		return output, false
	}
	return text[:e.maxOutputBytes] + "\n... (output truncated)", true
}
