package fanout

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
)

// SpecialistRequest is one specialist consultation inside an execution.
// ContextNote is the coordinator's framing for this specialist alone.
type SpecialistRequest struct {
	FanOutID    string
	TenantID    string
	SessionID   string
	AgentID     string
	Prompt      string
	ContextNote string
}

// Runner executes one specialist consultation and returns its answer.
type Runner interface {
	RunSpecialist(ctx context.Context, req SpecialistRequest) (string, error)
}

// SynthesisRequest carries the joined results to the coordinator.
type SynthesisRequest struct {
	FanOutID      string
	TenantID      string
	SessionID     string
	CoordinatorID string
	Prompt        string
	Results       []EntryResult
	// NoResults marks a deadline expiry with zero completed entries; the
	// synthesizer still runs and must say so to the user.
	NoResults bool
}

// Synthesizer combines specialist results into the final reply. It is called
// exactly once per execution, also when every specialist failed.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// SessionGuard marks and clears the session's active fan-out.
type SessionGuard interface {
	SetActiveFanOut(ctx context.Context, sessionID, fanOutID string) error
	ClearActiveFanOut(ctx context.Context, sessionID string) error
}

// Config holds orchestrator configuration.
type Config struct {
	DefaultTimeout time.Duration
	MaxSpecialists int
	SnapshotDir    string
	Runner         Runner
	Synthesizer    Synthesizer
	Sessions       SessionGuard
	Logger         zerolog.Logger
}

// Orchestrator starts, tracks, and joins fan-out executions.
type Orchestrator struct {
	defaultTimeout time.Duration
	maxSpecialists int
	snapshotDir    string
	runner         Runner
	synthesizer    Synthesizer
	sessions       SessionGuard
	emitter        *Emitter
	logger         zerolog.Logger

	registry *registry
}

// NewOrchestrator creates a fan-out orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session guard is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxSpecialists <= 0 {
		cfg.MaxSpecialists = 8
	}

	return &Orchestrator{
		defaultTimeout: cfg.DefaultTimeout,
		maxSpecialists: cfg.MaxSpecialists,
		snapshotDir:    cfg.SnapshotDir,
		runner:         cfg.Runner,
		synthesizer:    cfg.Synthesizer,
		sessions:       cfg.Sessions,
		emitter:        NewEmitter(),
		logger:         cfg.Logger.With().Str("component", "fanout").Logger(),
		registry:       newRegistry(),
	}, nil
}

// Events exposes the execution event emitter.
func (o *Orchestrator) Events() *Emitter {
	return o.emitter
}

// SpecialistSpec names one specialist to consult, with the coordinator's
// per-specialist framing.
type SpecialistSpec struct {
	AgentID     string
	ContextNote string
}

// StartRequest describes a fan-out to launch.
type StartRequest struct {
	TenantID      string
	SessionID     string
	CoordinatorID string
	Prompt        string
	Specialists   []SpecialistSpec
	Strategy      JoinStrategy
	Timeout       time.Duration
}

// Start validates and launches an execution: one goroutine per specialist
// plus a deadline watcher. It returns immediately; callers wait on
// Execution.Done or rely on the synthesizer callback.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if tracing.GetFanOutID(ctx) != "" {
		return nil, ErrNestedFanOut
	}
	if len(req.Specialists) == 0 {
		return nil, fmt.Errorf("at least one specialist is required")
	}
	if len(req.Specialists) > o.maxSpecialists {
		return nil, fmt.Errorf("too many specialists: %d exceeds the limit of %d", len(req.Specialists), o.maxSpecialists)
	}
	if req.Strategy.Kind == JoinQuorum && req.Strategy.Quorum > len(req.Specialists) {
		return nil, fmt.Errorf("quorum %d exceeds specialist count %d", req.Strategy.Quorum, len(req.Specialists))
	}
	if req.Strategy.Kind == "" {
		req.Strategy = JoinStrategy{Kind: JoinAll}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fan-out id: %w", err)
	}

	now := time.Now()
	exec := &Execution{
		ID:            id,
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		CoordinatorID: req.CoordinatorID,
		Prompt:        req.Prompt,
		Strategy:      req.Strategy,
		Status:        ExecutionRunning,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
		done:          make(chan struct{}),
	}
	for _, spec := range req.Specialists {
		exec.Entries = append(exec.Entries, &Entry{
			AgentID:     spec.AgentID,
			ContextNote: spec.ContextNote,
			Status:      EntryPending,
		})
	}

	if err := o.registry.add(exec); err != nil {
		return nil, err
	}

	if err := o.sessions.SetActiveFanOut(ctx, req.SessionID, id); err != nil {
		o.registry.remove(exec)
		return nil, fmt.Errorf("failed to mark session fan-out: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "fanout", "fanout.start",
		attribute.String("fanout_id", id),
		attribute.String("session_id", req.SessionID),
		attribute.String("strategy", req.Strategy.String()),
		attribute.Int("specialists", len(req.Specialists)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().
		Str("fanoutId", id).
		Str("sessionId", req.SessionID).
		Str("strategy", req.Strategy.String()).
		Int("specialists", len(req.Specialists)).
		Msg("Fan-out started")

	// Specialist goroutines and the watcher outlive the inbound dispatch;
	// cut the cancellation chain, keep the trace values.
	base := tracing.WithFanOutID(context.WithoutCancel(ctx), id)

	for _, spec := range req.Specialists {
		go o.runSpecialist(base, exec, spec.AgentID)
	}
	go o.watchDeadline(base, exec)

	return exec, nil
}

// Execution returns a running or recently terminal execution by ID.
func (o *Orchestrator) Execution(id string) (*Execution, bool) {
	return o.registry.byID(id)
}

// ActiveForSession returns the session's running execution, if any.
func (o *Orchestrator) ActiveForSession(sessionID string) (*Execution, bool) {
	return o.registry.bySessionID(sessionID)
}

func (o *Orchestrator) runSpecialist(ctx context.Context, exec *Execution, agentID string) {
	specCtx := tracing.PropagateToSpecialist(ctx, agentID)

	exec.mu.Lock()
	entry := exec.entry(agentID)
	if exec.Status != ExecutionRunning || entry == nil || entry.Status != EntryPending {
		exec.mu.Unlock()
		return
	}
	entry.Status = EntryRunning
	started := time.Now()
	entry.StartedAt = &started
	contextNote := entry.ContextNote
	exec.mu.Unlock()

	result, err := o.runner.RunSpecialist(specCtx, SpecialistRequest{
		FanOutID:    exec.ID,
		TenantID:    exec.TenantID,
		SessionID:   exec.SessionID,
		AgentID:     agentID,
		Prompt:      exec.Prompt,
		ContextNote: contextNote,
	})

	o.report(specCtx, exec, agentID, result, err)
}

// report applies one specialist outcome. The entry transition, the join
// evaluation, and the execution's terminal transition happen inside a single
// critical section; whoever flips the execution to terminal owns finalize.
func (o *Orchestrator) report(ctx context.Context, exec *Execution, agentID, result string, err error) {
	exec.mu.Lock()

	entry := exec.entry(agentID)
	if entry == nil {
		exec.mu.Unlock()
		return
	}

	if exec.Status != ExecutionRunning || entry.Status.Terminal() {
		exec.mu.Unlock()
		observability.RecordLateArrival()
		o.emitter.Emit(EventLateArrival, EventPayload{
			ExecutionID: exec.ID,
			SessionID:   exec.SessionID,
			AgentID:     agentID,
		})
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Debug().
			Str("fanoutId", exec.ID).
			Str("agentId", agentID).
			Msg("Late specialist arrival ignored")
		return
	}

	finished := time.Now()
	entry.FinishedAt = &finished
	if err != nil {
		entry.Status = EntryFailed
		entry.Error = err.Error()
		observability.RecordSpecialist("failed")
	} else {
		entry.Status = EntryCompleted
		entry.Result = result
		observability.RecordSpecialist("completed")
	}

	terminal, status := o.evaluateJoin(exec)
	if terminal {
		exec.Status = status
		completedAt := time.Now()
		exec.CompletedAt = &completedAt
	}
	exec.mu.Unlock()

	o.emitter.Emit(EventSpecialistCompleted, EventPayload{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		AgentID:     agentID,
	})

	if terminal {
		o.finalize(ctx, exec)
	}
}

// evaluateJoin decides whether the execution is terminal. Callers hold the
// execution mutex.
func (o *Orchestrator) evaluateJoin(exec *Execution) (bool, ExecutionStatus) {
	successes, open := 0, 0
	for _, entry := range exec.Entries {
		switch {
		case entry.Status == EntryCompleted:
			successes++
		case !entry.Status.Terminal():
			open++
		}
	}

	switch exec.Strategy.Kind {
	case JoinFirst:
		if successes >= 1 {
			return true, ExecutionCompleted
		}
		if open == 0 {
			return true, ExecutionFailed
		}
	case JoinQuorum:
		if successes >= exec.Strategy.Quorum {
			return true, ExecutionCompleted
		}
		if successes+open < exec.Strategy.Quorum {
			// No remaining entry can satisfy the quorum.
			return true, ExecutionFailed
		}
	default: // all
		if open == 0 {
			if successes > 0 {
				return true, ExecutionCompleted
			}
			return true, ExecutionFailed
		}
	}
	return false, ExecutionRunning
}

// watchDeadline is the sole cancellation mechanism: when the deadline
// passes, open entries become timed-out and the execution joins with
// whatever completed.
func (o *Orchestrator) watchDeadline(ctx context.Context, exec *Execution) {
	timer := time.NewTimer(time.Until(exec.Deadline))
	defer timer.Stop()

	select {
	case <-exec.done:
		return
	case <-timer.C:
	}

	exec.mu.Lock()
	if exec.Status != ExecutionRunning {
		exec.mu.Unlock()
		return
	}

	now := time.Now()
	successes := 0
	for _, entry := range exec.Entries {
		if !entry.Status.Terminal() {
			entry.Status = EntryTimedOut
			entry.FinishedAt = &now
			observability.RecordSpecialist("timed-out")
		}
		if entry.Status == EntryCompleted {
			successes++
		}
	}

	satisfied := false
	switch exec.Strategy.Kind {
	case JoinFirst:
		satisfied = successes >= 1
	case JoinQuorum:
		satisfied = successes >= exec.Strategy.Quorum
	default:
		satisfied = successes == len(exec.Entries)
	}
	if satisfied {
		exec.Status = ExecutionCompleted
	} else {
		exec.Status = ExecutionTimedOut
	}
	exec.CompletedAt = &now
	exec.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Warn().
		Str("fanoutId", exec.ID).
		Int("completed", successes).
		Msg("Fan-out deadline expired")

	o.finalize(ctx, exec)
}

// finalize runs exactly once per execution: only the goroutine that flipped
// the status to terminal reaches it.
func (o *Orchestrator) finalize(ctx context.Context, exec *Execution) {
	ctx, span := tracing.StartSpan(ctx, "fanout", "fanout.finalize",
		attribute.String("fanout_id", exec.ID),
		attribute.String("session_id", exec.SessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger)

	var results []EntryResult
	exec.mu.Lock()
	for _, entry := range exec.Entries {
		if entry.Status == EntryCompleted {
			results = append(results, EntryResult{AgentID: entry.AgentID, Result: entry.Result})
		}
	}
	status := exec.Status
	exec.mu.Unlock()

	synthesis, err := o.synthesizer.Synthesize(ctx, SynthesisRequest{
		FanOutID:      exec.ID,
		TenantID:      exec.TenantID,
		SessionID:     exec.SessionID,
		CoordinatorID: exec.CoordinatorID,
		Prompt:        exec.Prompt,
		Results:       results,
		NoResults:     len(results) == 0,
	})
	if err != nil {
		logger.Error().
			Str("fanoutId", exec.ID).
			Err(err).
			Msg("Synthesis failed")
		observability.RecordSynthesis("failed")
	} else {
		observability.RecordSynthesis("completed")
	}

	exec.mu.Lock()
	exec.Synthesis = synthesis
	duration := time.Since(exec.CreatedAt)
	exec.mu.Unlock()

	if err := o.sessions.ClearActiveFanOut(ctx, exec.SessionID); err != nil {
		logger.Warn().
			Str("fanoutId", exec.ID).
			Err(err).
			Msg("Failed to clear session fan-out marker")
	}

	o.registry.release(exec)
	observability.RecordFanOut(exec.Strategy.String(), string(status), duration)

	o.emitter.Emit(EventSynthesis, EventPayload{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
	})
	o.emitter.Emit(EventTerminal, EventPayload{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		Status:      status,
	})

	if o.snapshotDir != "" {
		if err := o.writeSnapshot(exec); err != nil {
			logger.Warn().Str("fanoutId", exec.ID).Err(err).Msg("Failed to snapshot execution")
		}
	}

	logger.Info().
		Str("fanoutId", exec.ID).
		Str("status", string(status)).
		Int("results", len(results)).
		Dur("duration", duration).
		Msg("Fan-out terminal")

	close(exec.done)
}
