package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSpecialist derives a context for a specialist dispatch inside a
// fan-out. The trace ID and fan-out ID carry over; the dispatch ID is fresh.
func PropagateToSpecialist(ctx context.Context, specialistAgentID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithDispatchID(newCtx, NewDispatchID())
	newCtx = WithAgentID(newCtx, specialistAgentID)

	if sessionID := GetSessionID(ctx); sessionID != "" {
		newCtx = WithSessionID(newCtx, sessionID)
	}
	if fanOutID := GetFanOutID(ctx); fanOutID != "" {
		newCtx = WithFanOutID(newCtx, fanOutID)
	}

	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.TenantID != "" {
		logger = logger.With().Str("tenant_id", tc.TenantID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}
	if tc.AgentID != "" {
		logger = logger.With().Str("agent_id", tc.AgentID).Logger()
	}
	if tc.DispatchID != "" {
		logger = logger.With().Str("dispatch_id", tc.DispatchID).Logger()
	}
	if tc.FanOutID != "" {
		logger = logger.With().Str("fanout_id", tc.FanOutID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
