package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/directory"
)

func testExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	cfg.Logger = zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	return NewExecutor(cfg)
}

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Echoes its input back.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func allowAll(req ExecutionRequest) ExecutionRequest {
	req.AllowedTools = []string{"*"}
	req.Entitlements = []string{"*"}
	req.Autonomy = directory.AutonomyAutonomous
	return req
}

func TestExecutorRegister(t *testing.T) {
	t.Run("should register a valid tool", func(t *testing.T) {
		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(echoDefinition()))
		assert.NotNil(t, e.Get("echo"))
	})

	t.Run("should reject a tool without a handler", func(t *testing.T) {
		e := testExecutor(t, Config{})
		def := echoDefinition()
		def.Handler = nil
		assert.Error(t, e.Register(def))
	})

	t.Run("should reject a tool without a name", func(t *testing.T) {
		e := testExecutor(t, Config{})
		def := echoDefinition()
		def.Name = ""
		assert.Error(t, e.Register(def))
	})
}

func TestExecutorExecute(t *testing.T) {
	t.Run("should run an allowed tool", func(t *testing.T) {
		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(echoDefinition()))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{
			Tool:   "echo",
			Params: map[string]interface{}{"text": "hi"},
		}))
		require.True(t, result.Success)
		assert.Equal(t, "hi", result.Output)
	})

	t.Run("should block a tool outside the agent allow-list", func(t *testing.T) {
		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(echoDefinition()))

		result := e.Execute(context.Background(), ExecutionRequest{
			Tool:         "echo",
			Params:       map[string]interface{}{"text": "hi"},
			AllowedTools: []string{"current_time"},
			Entitlements: []string{"*"},
			Autonomy:     directory.AutonomyAutonomous,
		})
		require.False(t, result.Success)
		assert.Equal(t, "tool_not_allowed", result.Metadata["code"])
	})

	t.Run("should block a tool outside the tenant entitlements", func(t *testing.T) {
		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(echoDefinition()))

		result := e.Execute(context.Background(), ExecutionRequest{
			Tool:         "echo",
			Params:       map[string]interface{}{"text": "hi"},
			AllowedTools: []string{"*"},
			Entitlements: []string{"current_time"},
			Autonomy:     directory.AutonomyAutonomous,
		})
		require.False(t, result.Success)
		assert.Equal(t, "tool_not_allowed", result.Metadata["code"])
	})

	t.Run("should fail validation for missing required parameters", func(t *testing.T) {
		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(echoDefinition()))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{
			Tool:   "echo",
			Params: map[string]interface{}{},
		}))
		require.False(t, result.Success)
		assert.Contains(t, result.Error, "invalid parameters")
	})

	t.Run("should return tool errors as result data", func(t *testing.T) {
		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(Definition{
			Name:        "broken",
			Description: "Always fails.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, errors.New("backend offline")
			},
		}))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{Tool: "broken"}))
		require.False(t, result.Success)
		assert.Equal(t, "backend offline", result.Error)
	})

	t.Run("should time out slow tools", func(t *testing.T) {
		e := testExecutor(t, Config{DefaultTimeout: 50 * time.Millisecond})
		require.NoError(t, e.Register(Definition{
			Name:        "slow",
			Description: "Sleeps forever.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{Tool: "slow"}))
		require.False(t, result.Success)
		assert.Contains(t, result.Error, "timeout")
	})

	t.Run("should truncate oversized output", func(t *testing.T) {
		e := testExecutor(t, Config{MaxOutputBytes: 100})
		require.NoError(t, e.Register(Definition{
			Name:        "verbose",
			Description: "Produces a lot of output.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return strings.Repeat("x", 500), nil
			},
		}))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{Tool: "verbose"}))
		require.True(t, result.Success)
		assert.True(t, result.Truncated)
		assert.Less(t, len(result.Output.(string)), 200)
	})

	t.Run("should report unknown tools", func(t *testing.T) {
		e := testExecutor(t, Config{})
		result := e.Execute(context.Background(), allowAll(ExecutionRequest{Tool: "nope"}))
		require.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})
}

func TestExecutorApproval(t *testing.T) {
	t.Run("should run gated tools after approval", func(t *testing.T) {
		e := testExecutor(t, Config{Gate: &StaticGate{Approved: true}})
		def := echoDefinition()
		def.RequiresApproval = true
		require.NoError(t, e.Register(def))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{
			Tool:   "echo",
			Params: map[string]interface{}{"text": "ok"},
		}))
		assert.True(t, result.Success)
	})

	t.Run("should block gated tools on rejection", func(t *testing.T) {
		e := testExecutor(t, Config{Gate: &StaticGate{Approved: false, Reason: "not today"}})
		def := echoDefinition()
		def.RequiresApproval = true
		require.NoError(t, e.Register(def))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{
			Tool:   "echo",
			Params: map[string]interface{}{"text": "ok"},
		}))
		require.False(t, result.Success)
		assert.Equal(t, "approval_rejected", result.Metadata["code"])
	})

	t.Run("should gate every tool for supervised agents", func(t *testing.T) {
		e := testExecutor(t, Config{Gate: &StaticGate{Approved: false, Reason: "denied"}})
		require.NoError(t, e.Register(echoDefinition()))

		result := e.Execute(context.Background(), ExecutionRequest{
			Tool:         "echo",
			Params:       map[string]interface{}{"text": "ok"},
			AllowedTools: []string{"*"},
			Entitlements: []string{"*"},
			Autonomy:     directory.AutonomySupervised,
		})
		assert.False(t, result.Success)
	})

	t.Run("should reject gated tools when no gate is configured", func(t *testing.T) {
		e := testExecutor(t, Config{})
		def := echoDefinition()
		def.RequiresApproval = true
		require.NoError(t, e.Register(def))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{
			Tool:   "echo",
			Params: map[string]interface{}{"text": "ok"},
		}))
		assert.False(t, result.Success)
	})
}

func TestPendingGate(t *testing.T) {
	t.Run("should resolve an approval from another goroutine", func(t *testing.T) {
		gate := NewPendingGate(PendingGateConfig{
			Timeout: 2 * time.Second,
			Logger:  zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
		})

		requestIDs := make(chan string, 1)
		gate.SetNotifier(func(req ApprovalRequest) {
			requestIDs <- req.ID
		})

		go func() {
			id := <-requestIDs
			_ = gate.Resolve(id, Decision{Approved: true, Reason: "looks fine"})
		}()

		decision, err := gate.RequestApproval(context.Background(), ApprovalRequest{Tool: "echo"})
		require.NoError(t, err)
		assert.True(t, decision.Approved)
		assert.Equal(t, 0, gate.PendingCount())
	})

	t.Run("should reject after the deadline", func(t *testing.T) {
		gate := NewPendingGate(PendingGateConfig{
			Timeout: 50 * time.Millisecond,
			Logger:  zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
		})

		_, err := gate.RequestApproval(context.Background(), ApprovalRequest{Tool: "echo"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("should error when resolving an unknown id", func(t *testing.T) {
		gate := NewPendingGate(PendingGateConfig{
			Logger: zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
		})
		assert.Error(t, gate.Resolve("missing", Decision{Approved: true}))
	})
}

func TestCurrentTimeTool(t *testing.T) {
	t.Run("should return the time in the requested timezone", func(t *testing.T) {
		def := CurrentTimeDefinition()
		output, err := def.Handler(context.Background(), map[string]interface{}{"timezone": "UTC"})
		require.NoError(t, err)
		assert.Equal(t, "UTC", output.(map[string]interface{})["timezone"])
	})

	t.Run("should reject unknown timezones", func(t *testing.T) {
		def := CurrentTimeDefinition()
		_, err := def.Handler(context.Background(), map[string]interface{}{"timezone": "Mars/Olympus"})
		assert.Error(t, err)
	})
}

func TestExecutorAuditTrail(t *testing.T) {
	t.Run("should write tool and approval events to the audit log", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "audit.log")
		require.NoError(t, observability.InitAuditLogger(logPath))

		e := testExecutor(t, Config{Gate: &StaticGate{Approved: true}})
		def := echoDefinition()
		def.RequiresApproval = true
		require.NoError(t, e.Register(def))

		result := e.Execute(context.Background(), allowAll(ExecutionRequest{
			Tool:     "echo",
			Params:   map[string]interface{}{"text": "hi"},
			TenantID: "acme",
			AgentID:  "agent-1",
		}))
		require.True(t, result.Success)

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		log := string(data)
		assert.Contains(t, log, `"action":"approve:echo"`)
		assert.Contains(t, log, `"action":"execute:echo"`)
		assert.Contains(t, log, `"actor":"agent-1"`)
		assert.Contains(t, log, `"status":"success"`)
	})

	t.Run("should record a denied tool as a failure", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "audit.log")
		require.NoError(t, observability.InitAuditLogger(logPath))

		e := testExecutor(t, Config{})
		require.NoError(t, e.Register(echoDefinition()))

		result := e.Execute(context.Background(), ExecutionRequest{
			Tool:         "echo",
			Params:       map[string]interface{}{"text": "hi"},
			AllowedTools: []string{"current_time"},
			Entitlements: []string{"*"},
			Autonomy:     directory.AutonomyAutonomous,
			AgentID:      "agent-1",
		})
		require.False(t, result.Success)

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"status":"failure"`)
	})
}
