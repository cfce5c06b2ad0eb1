package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/delivery"
	"github.com/parleyhq/parley/pkg/directory"
	"github.com/parleyhq/parley/pkg/fanout"
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/quota"
	"github.com/parleyhq/parley/pkg/reasoning"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/tools"
)

// DelegateTool is the reserved tool name that triggers a fan-out. It is
// advertised to coordinator agents in team-mode sessions and handled by the
// dispatcher itself, never by the sandbox.
const DelegateTool = "delegate_to_specialists"

const (
	unavailableReply = "I'm having trouble reaching my reasoning service right now. Please try again in a moment."
	quotaReply       = "This workspace has reached its daily usage limit. Please try again tomorrow."
	busyReply        = "I'm still working on your previous request. One moment, please."
)

// SessionStore is the slice of the session store the dispatcher needs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Append(ctx context.Context, sessionID string, msg session.Message) (*session.Message, error)
	History(ctx context.Context, sessionID string, limit int) ([]session.Message, error)
}

// DeliveryRouter hands finished replies to the channel transport.
type DeliveryRouter interface {
	Send(ctx context.Context, msg delivery.OutboundMessage) delivery.Result
}

// Reservation is an admitted quota slot awaiting its usage report.
type Reservation interface {
	Record(ctx context.Context, usage quota.Usage) error
}

// QuotaGate admits or refuses a dispatch before the reasoning call.
type QuotaGate interface {
	Reserve(ctx context.Context, tenantID, agentID, channel string, override quota.Limits) (Reservation, error)
}

type meterGate struct {
	meter *quota.Meter
}

func (g meterGate) Reserve(ctx context.Context, tenantID, agentID, channel string, override quota.Limits) (Reservation, error) {
	return g.meter.Reserve(ctx, tenantID, agentID, channel, override)
}

// NewMeterGate adapts a quota meter to the QuotaGate interface.
func NewMeterGate(m *quota.Meter) QuotaGate {
	return meterGate{meter: m}
}

// ToolSandbox validates and executes model-requested tool calls.
type ToolSandbox interface {
	Specs(allowed []string) []tools.Definition
	Execute(ctx context.Context, req tools.ExecutionRequest) *tools.Result
}

// KnowledgeSearcher retrieves tenant-scoped snippets for context assembly.
type KnowledgeSearcher interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]knowledge.Hit, error)
}

// AgentSource is the slice of the tenant directory the dispatcher needs.
type AgentSource interface {
	Tenant(id string) (*directory.Tenant, error)
	Agent(tenantID, agentID string) (*directory.Agent, error)
	Entitlements(tenantID string) []string
}

// FanOutStarter launches a fan-out when the coordinator delegates.
type FanOutStarter interface {
	Start(ctx context.Context, req fanout.StartRequest) (*fanout.Execution, error)
}

// DraftSink receives replies from draft-only agents instead of the contact.
type DraftSink interface {
	PushDraft(tenantID string, msg session.Message)
}

// Config holds dispatcher configuration.
type Config struct {
	HistoryWindow int
	FanOutTimeout time.Duration
	Engine        reasoning.Engine
	Store         SessionStore
	Router        DeliveryRouter
	Quota         QuotaGate
	Sandbox       ToolSandbox
	Directory     AgentSource
	Knowledge     KnowledgeSearcher
	FanOuts       FanOutStarter
	Drafts        DraftSink
	Logger        zerolog.Logger
}

// Dispatcher runs one conversation turn: context assembly, one reasoning
// call, at most one tool round, persistence, delivery. It also serves as the
// fan-out orchestrator's Runner and Synthesizer.
type Dispatcher struct {
	historyWindow int
	fanoutTimeout time.Duration
	engine        reasoning.Engine
	store         SessionStore
	router        DeliveryRouter
	quota         QuotaGate
	sandbox       ToolSandbox
	directory     AgentSource
	knowledge     KnowledgeSearcher
	fanouts       FanOutStarter
	drafts        DraftSink
	logger        zerolog.Logger
}

// NewDispatcher creates a dispatcher from its collaborators.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("reasoning engine is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("delivery router is required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("agent directory is required")
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.FanOutTimeout <= 0 {
		cfg.FanOutTimeout = 60 * time.Second
	}
	return &Dispatcher{
		historyWindow: cfg.HistoryWindow,
		fanoutTimeout: cfg.FanOutTimeout,
		engine:        cfg.Engine,
		store:         cfg.Store,
		router:        cfg.Router,
		quota:         cfg.Quota,
		sandbox:       cfg.Sandbox,
		directory:     cfg.Directory,
		knowledge:     cfg.Knowledge,
		fanouts:       cfg.FanOuts,
		drafts:        cfg.Drafts,
		logger:        cfg.Logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Outcome classifies how a dispatch turn ended.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeDraft     Outcome = "draft"
	OutcomeDelegated Outcome = "delegated"
	OutcomeRefused   Outcome = "refused"
)

// Request is one turn to dispatch. The inbound message has already been
// appended to the session by the caller.
type Request struct {
	Session *session.Session
	Agent   *directory.Agent
	Input   string
}

// DispatchResult is the outcome of one turn. Fault carries the classified
// error for refused or degraded turns; the error return of Dispatch is
// reserved for fatal faults that must reject the inbound message.
type DispatchResult struct {
	Outcome  Outcome
	Message  *session.Message
	FanOutID string
	Fault    *Fault
}

// Dispatch runs one conversation turn end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*DispatchResult, error) {
	start := time.Now()
	sess, agent := req.Session, req.Agent
	ctx = tracing.WithAgentID(ctx, agent.ID)
	ctx, span := tracing.StartSpan(ctx, "dispatch", "dispatch.turn",
		attribute.String("tenant_id", sess.TenantID),
		attribute.String("session_id", sess.ID),
		attribute.String("agent_id", agent.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	res, err := d.reserve(ctx, sess.TenantID, agent.ID, sess.Channel)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			observability.RecordDispatch(string(OutcomeRefused), time.Since(start))
			fault := NewFault(ClassPolicy, CodeQuotaExceeded, "daily usage limit reached", err)
			msg, perr := d.persistAndDeliver(ctx, sess, agent, quotaReply, nil)
			if perr != nil {
				return nil, perr
			}
			return &DispatchResult{Outcome: OutcomeRefused, Message: msg, Fault: fault}, nil
		}
		return nil, NewFault(ClassFatal, CodeSessionStore, "quota ledger unavailable", err)
	}

	conv, err := d.converse(ctx, sess, agent, req.Input, d.delegationAllowed(sess, agent))
	if err != nil {
		logger.Error().Err(err).Msg("Reasoning failed, sending unavailable reply")
		observability.RecordDispatch(CodeAgentUnavailable, time.Since(start))
		fault := NewFault(ClassTransient, CodeAgentUnavailable, "reasoning engine unavailable", err)
		msg, perr := d.persistAndDeliver(ctx, sess, agent, unavailableReply, nil)
		if perr != nil {
			return nil, perr
		}
		return &DispatchResult{Outcome: OutcomeReplied, Message: msg, Fault: fault}, nil
	}
	d.recordUsage(ctx, res, conv.usage)

	if conv.delegate != nil {
		return d.startFanOut(ctx, sess, agent, conv.delegate, start)
	}

	msg, err := d.persistAndDeliver(ctx, sess, agent, conv.reply.Content, conv.toolRecords)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeReplied
	if msg.Draft {
		outcome = OutcomeDraft
	}
	observability.RecordDispatch(string(outcome), time.Since(start))
	logger.Debug().
		Str("outcome", string(outcome)).
		Int("tool_calls", len(conv.toolRecords)).
		Dur("elapsed", time.Since(start)).
		Msg("Dispatch complete")
	return &DispatchResult{Outcome: outcome, Message: msg}, nil
}

// RunSpecialist dispatches one specialist consultation inside a fan-out.
// Specialist output is an entry result only: nothing is appended to the
// session and nothing is delivered.
func (d *Dispatcher) RunSpecialist(ctx context.Context, req fanout.SpecialistRequest) (string, error) {
	agent, err := d.directory.Agent(req.TenantID, req.AgentID)
	if err != nil {
		return "", fmt.Errorf("resolve specialist: %w", err)
	}

	res, err := d.reserve(ctx, req.TenantID, req.AgentID, "fanout")
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return "", NewFault(ClassPolicy, CodeQuotaExceeded, "daily usage limit reached", err)
		}
		return "", err
	}

	sess := &session.Session{
		ID:       req.SessionID,
		TenantID: req.TenantID,
	}
	input := req.Prompt
	if req.ContextNote != "" {
		input = req.ContextNote + "\n\n" + input
	}
	conv, err := d.converse(ctx, sess, agent, input, false)
	if err != nil {
		return "", NewFault(ClassTransient, CodeAgentUnavailable, "specialist reasoning failed", err)
	}
	d.recordUsage(ctx, res, conv.usage)
	return conv.reply.Content, nil
}

// Synthesize combines specialist results into the coordinator's final reply,
// persists it, and delivers it. Called exactly once per fan-out by the
// orchestrator.
func (d *Dispatcher) Synthesize(ctx context.Context, req fanout.SynthesisRequest) (string, error) {
	agent, err := d.directory.Agent(req.TenantID, req.CoordinatorID)
	if err != nil {
		return "", fmt.Errorf("resolve coordinator: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, d.logger)

	body := d.synthesizeBody(ctx, req, agent)

	sess, err := d.store.Get(ctx, req.SessionID)
	if err != nil {
		return "", NewFault(ClassFatal, CodeSessionStore, "failed to load session for synthesis", err)
	}
	if _, err := d.persistAndDeliver(ctx, sess, agent, body, nil); err != nil {
		logger.Error().Err(err).Msg("Failed to persist synthesized reply")
		return "", err
	}
	return body, nil
}

func (d *Dispatcher) synthesizeBody(ctx context.Context, req fanout.SynthesisRequest, agent *directory.Agent) string {
	if req.NoResults {
		return "None of the specialists I consulted were able to respond in time. Please try again shortly."
	}

	res, rerr := d.reserve(ctx, req.TenantID, req.CoordinatorID, "fanout")
	if rerr != nil {
		// Over quota or ledger down: degrade to a plain combination rather
		// than dropping the specialists' work.
		return combineRaw(req.Results)
	}

	prompt := "You consulted several specialists about the user's request:\n\n" + req.Prompt + "\n\n"
	for _, r := range req.Results {
		prompt += fmt.Sprintf("--- Answer from %s ---\n%s\n\n", r.AgentID, r.Result)
	}
	prompt += "Combine these answers into one coherent reply to the user. Do not mention the specialists or this process."

	reply, err := d.engine.Complete(ctx, reasoning.Request{
		Model:        agent.Model,
		SystemPrompt: agent.SystemPrompt,
		Messages:     []reasoning.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Warn().Err(err).Msg("Synthesis reasoning failed, combining raw results")
		return combineRaw(req.Results)
	}
	if reply.Usage != nil {
		d.recordUsage(ctx, res, quota.Usage{
			InputTokens:  reply.Usage.InputTokens,
			OutputTokens: reply.Usage.OutputTokens,
		})
	}
	return reply.Content
}

func combineRaw(results []fanout.EntryResult) string {
	out := ""
	for i, r := range results {
		if i > 0 {
			out += "\n\n"
		}
		out += r.Result
	}
	return out
}

func (d *Dispatcher) reserve(ctx context.Context, tenantID, agentID, channel string) (Reservation, error) {
	if d.quota == nil {
		return nil, nil
	}
	override := quota.Limits{}
	if t, err := d.directory.Tenant(tenantID); err == nil {
		override = quota.Limits{
			DailyMessages: t.Quota.DailyMessageLimit,
			DailyTokens:   t.Quota.DailyTokenLimit,
		}
	}
	return d.quota.Reserve(ctx, tenantID, agentID, channel, override)
}

func (d *Dispatcher) recordUsage(ctx context.Context, res Reservation, usage quota.Usage) {
	if res == nil {
		return
	}
	if err := res.Record(ctx, usage); err != nil {
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Warn().Err(err).Msg("Failed to record usage")
	}
}

// delegationAllowed reports whether this turn may advertise the fan-out
// directive: coordinators only, team-mode sessions only, and never inside a
// running fan-out.
func (d *Dispatcher) delegationAllowed(sess *session.Session, agent *directory.Agent) bool {
	return d.fanouts != nil &&
		agent.Role == directory.RoleCoordinator &&
		sess.Mode == session.ModeTeam
}

type delegateDirective struct {
	Specialists []fanout.SpecialistSpec
	Prompt      string
	Join        string
	Timeout     time.Duration
}

type converseResult struct {
	reply       *reasoning.Reply
	toolRecords []session.ToolCallRecord
	usage       quota.Usage
	delegate    *delegateDirective
}

// converse performs the reasoning call and, when the model requests tools,
// exactly one sandbox round followed by one re-invocation.
func (d *Dispatcher) converse(ctx context.Context, sess *session.Session, agent *directory.Agent, input string, allowDelegate bool) (*converseResult, error) {
	entitlements := d.directory.Entitlements(sess.TenantID)
	allowed := intersectAllowed(agent.AllowedTools, entitlements)

	var specs []reasoning.ToolSpec
	if d.sandbox != nil {
		for _, def := range d.sandbox.Specs(allowed) {
			specs = append(specs, reasoning.ToolSpec{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.Parameters,
			})
		}
	}
	if allowDelegate {
		specs = append(specs, delegateSpec())
	}

	reasoningReq := reasoning.Request{
		Model:        agent.Model,
		SystemPrompt: d.systemPrompt(ctx, sess, agent, input),
		Messages:     d.contextMessages(ctx, sess, input),
		Tools:        specs,
	}

	out := &converseResult{}
	reply, err := d.engine.Complete(ctx, reasoningReq)
	if err != nil {
		return nil, err
	}
	if reply.Usage != nil {
		out.usage.InputTokens += reply.Usage.InputTokens
		out.usage.OutputTokens += reply.Usage.OutputTokens
	}

	if allowDelegate {
		for _, tc := range reply.ToolCalls {
			if tc.Name == DelegateTool {
				out.delegate = parseDelegate(tc.Params)
				out.reply = reply
				return out, nil
			}
		}
	}

	if len(reply.ToolCalls) == 0 {
		out.reply = reply
		return out, nil
	}

	// One tool round, one re-invocation. Tool failures go back to the model
	// as data.
	assistant := reasoning.Message{
		Role:      "assistant",
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
	}
	followups := []reasoning.Message{assistant}
	for _, tc := range reply.ToolCalls {
		result := d.executeTool(ctx, sess, agent, allowed, tc)
		payload, _ := json.Marshal(result)
		followups = append(followups, reasoning.Message{
			Role:       "tool",
			Content:    string(payload),
			ToolCallID: tc.ID,
		})
		record := session.ToolCallRecord{ID: tc.ID, Name: tc.Name, Params: tc.Params, Error: result.Error}
		if result.Output != nil {
			if s, ok := result.Output.(string); ok {
				record.Output = s
			} else if b, merr := json.Marshal(result.Output); merr == nil {
				record.Output = string(b)
			}
		}
		out.toolRecords = append(out.toolRecords, record)
	}

	reasoningReq.Messages = append(reasoningReq.Messages, followups...)
	final, err := d.engine.Complete(ctx, reasoningReq)
	if err != nil {
		return nil, err
	}
	if final.Usage != nil {
		out.usage.InputTokens += final.Usage.InputTokens
		out.usage.OutputTokens += final.Usage.OutputTokens
	}
	// Further tool requests are dropped: the round budget for this turn is
	// spent.
	out.reply = &reasoning.Reply{Content: final.Content, Usage: final.Usage}
	return out, nil
}

func (d *Dispatcher) executeTool(ctx context.Context, sess *session.Session, agent *directory.Agent, allowed []string, tc reasoning.ToolCall) *tools.Result {
	if d.sandbox == nil {
		return &tools.Result{Success: false, Error: "no tool sandbox configured"}
	}
	return d.sandbox.Execute(ctx, tools.ExecutionRequest{
		Tool:         tc.Name,
		Params:       tc.Params,
		TenantID:     sess.TenantID,
		AgentID:      agent.ID,
		SessionID:    sess.ID,
		AllowedTools: agent.AllowedTools,
		Entitlements: d.directory.Entitlements(sess.TenantID),
		Autonomy:     agent.Autonomy,
	})
}

// contextMessages builds the bounded conversation window. Draft replies never
// reached the contact, so they are excluded.
func (d *Dispatcher) contextMessages(ctx context.Context, sess *session.Session, input string) []reasoning.Message {
	var msgs []reasoning.Message
	history, err := d.store.History(ctx, sess.ID, d.historyWindow)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Warn().Err(err).Msg("History unavailable, dispatching without it")
		history = nil
	}
	for _, m := range history {
		if m.Draft {
			continue
		}
		role := "user"
		if m.Role == session.RoleAgentReply {
			role = "assistant"
		}
		msgs = append(msgs, reasoning.Message{Role: role, Content: m.Body})
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != "user" || msgs[len(msgs)-1].Content != input {
		msgs = append(msgs, reasoning.Message{Role: "user", Content: input})
	}
	return msgs
}

func (d *Dispatcher) systemPrompt(ctx context.Context, sess *session.Session, agent *directory.Agent, input string) string {
	prompt := agent.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("You are %s, a helpful assistant.", agent.Name)
	}
	if agent.UseKnowledge && d.knowledge != nil {
		hits, err := d.knowledge.Search(ctx, sess.TenantID, input, 3)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, d.logger)
			logger.Warn().Err(err).Msg("Knowledge search failed")
		}
		if len(hits) > 0 {
			prompt += "\n\nRelevant knowledge:\n"
			for _, h := range hits {
				prompt += "- " + h.Content + "\n"
			}
		}
	}
	return prompt
}

func (d *Dispatcher) startFanOut(ctx context.Context, sess *session.Session, agent *directory.Agent, directive *delegateDirective, start time.Time) (*DispatchResult, error) {
	strategy, err := fanout.ParseJoinStrategy(directive.Join)
	if err != nil {
		strategy = fanout.JoinStrategy{Kind: fanout.JoinAll}
	}
	timeout := directive.Timeout
	if timeout <= 0 {
		timeout = d.fanoutTimeout
	}

	exec, err := d.fanouts.Start(ctx, fanout.StartRequest{
		TenantID:      sess.TenantID,
		SessionID:     sess.ID,
		CoordinatorID: agent.ID,
		Prompt:        directive.Prompt,
		Specialists:   directive.Specialists,
		Strategy:      strategy,
		Timeout:       timeout,
	})
	if err != nil {
		var fault *Fault
		switch {
		case errors.Is(err, fanout.ErrFanOutActive):
			fault = NewFault(ClassPolicy, CodeFanOutActive, "a fan-out is already running for this session", err)
		case errors.Is(err, fanout.ErrNestedFanOut):
			fault = NewFault(ClassPolicy, CodeNestedFanOut, "specialists may not delegate", err)
		default:
			fault = NewFault(ClassPolicy, CodeFanOutActive, "fan-out refused", err)
		}
		observability.RecordDispatch(string(OutcomeRefused), time.Since(start))
		msg, perr := d.persistAndDeliver(ctx, sess, agent, busyReply, nil)
		if perr != nil {
			return nil, perr
		}
		return &DispatchResult{Outcome: OutcomeRefused, Message: msg, Fault: fault}, nil
	}

	observability.RecordDispatch(string(OutcomeDelegated), time.Since(start))
	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Info().
		Str("fanout_id", exec.ID).
		Int("specialists", len(directive.Specialists)).
		Str("join", strategy.String()).
		Msg("Delegated to specialists")
	return &DispatchResult{Outcome: OutcomeDelegated, FanOutID: exec.ID}, nil
}

// persistAndDeliver appends the reply and hands it to delivery. Draft-only
// agents get the reply flagged and routed to the operator stream instead of
// the contact. Delivery failures never roll back the persisted message.
func (d *Dispatcher) persistAndDeliver(ctx context.Context, sess *session.Session, agent *directory.Agent, body string, toolRecords []session.ToolCallRecord) (*session.Message, error) {
	draft := agent.Autonomy == directory.AutonomyDraftOnly
	msg, err := d.store.Append(ctx, sess.ID, session.Message{
		Role:      session.RoleAgentReply,
		Author:    agent.ID,
		Body:      body,
		ToolCalls: toolRecords,
		Draft:     draft,
	})
	if err != nil {
		return nil, NewFault(ClassFatal, CodeSessionStore, "failed to persist reply", err)
	}

	if draft {
		if d.drafts != nil {
			d.drafts.PushDraft(sess.TenantID, *msg)
		}
		return msg, nil
	}

	result := d.router.Send(ctx, delivery.OutboundMessage{
		TenantID:    sess.TenantID,
		Channel:     sess.Channel,
		RecipientID: sess.ExternalContactID,
		Content:     body,
		ContentType: delivery.ContentMarkdown,
	})
	if !result.Success {
		// Recorded but undelivered beats silent data loss.
		logger := tracing.LoggerFromContext(ctx, d.logger)
		logger.Error().
			Str("channel", sess.Channel).
			Str("error", result.Error).
			Msg("Delivery failed for persisted reply")
	}
	return msg, nil
}

func delegateSpec() reasoning.ToolSpec {
	return reasoning.ToolSpec{
		Name:        DelegateTool,
		Description: "Delegate this turn to specialist agents who answer in parallel. Use when the request spans multiple specialties.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"specialists": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"agent_id": map[string]interface{}{
								"type":        "string",
								"description": "ID of the specialist agent to consult",
							},
							"context_note": map[string]interface{}{
								"type":        "string",
								"description": "Framing for this specialist alone, prepended to the shared prompt",
							},
						},
						"required": []string{"agent_id"},
					},
					"description": "Specialist agents to consult, each with optional per-specialist framing",
				},
				"prompt": map[string]interface{}{
					"type":        "string",
					"description": "The question or task to put to each specialist",
				},
				"join": map[string]interface{}{
					"type":        "string",
					"description": "Join strategy: all, first, or quorum(n)",
				},
				"timeout_seconds": map[string]interface{}{
					"type":        "number",
					"description": "How long to wait for specialists before synthesizing",
				},
			},
			"required": []string{"specialists", "prompt"},
		},
	}
}

func parseDelegate(params map[string]interface{}) *delegateDirective {
	directive := &delegateDirective{}
	if raw, ok := params["specialists"].([]interface{}); ok {
		for _, v := range raw {
			switch item := v.(type) {
			case string:
				// Bare IDs keep working for models that skip the object form.
				directive.Specialists = append(directive.Specialists, fanout.SpecialistSpec{AgentID: item})
			case map[string]interface{}:
				spec := fanout.SpecialistSpec{}
				if s, ok := item["agent_id"].(string); ok {
					spec.AgentID = s
				}
				if s, ok := item["context_note"].(string); ok {
					spec.ContextNote = s
				}
				if spec.AgentID != "" {
					directive.Specialists = append(directive.Specialists, spec)
				}
			}
		}
	}
	if s, ok := params["prompt"].(string); ok {
		directive.Prompt = s
	}
	if s, ok := params["join"].(string); ok {
		directive.Join = s
	}
	if n, ok := params["timeout_seconds"].(float64); ok && n > 0 {
		directive.Timeout = time.Duration(n * float64(time.Second))
	}
	return directive
}

// intersectAllowed computes the tools a turn may advertise: the agent's
// allow-list restricted by the tenant's entitlements. "*" on either side
// defers to the other.
func intersectAllowed(agentTools, entitlements []string) []string {
	if containsStar(agentTools) {
		if containsStar(entitlements) {
			return []string{"*"}
		}
		out := make([]string, len(entitlements))
		copy(out, entitlements)
		return out
	}
	if containsStar(entitlements) {
		out := make([]string, len(agentTools))
		copy(out, agentTools)
		return out
	}
	var out []string
	for _, t := range agentTools {
		for _, e := range entitlements {
			if t == e {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func containsStar(list []string) bool {
	for _, v := range list {
		if v == "*" {
			return true
		}
	}
	return false
}
