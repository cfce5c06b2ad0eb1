package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/channels"
	"github.com/parleyhq/parley/pkg/directory"
	"github.com/parleyhq/parley/pkg/dispatch"
	"github.com/parleyhq/parley/pkg/session"
)

// HandleInbound is the single ingress point for every channel adapter. It
// deduplicates redelivered updates, serializes work per contact, and runs the
// resolve → append → dispatch pipeline. An error return tells the adapter the
// message was rejected and may be redelivered.
func (d *Daemon) HandleInbound(ctx context.Context, msg channels.InboundMessage) (interface{}, error) {
	if err := validateInbound(msg); err != nil {
		return nil, err
	}

	key := dedupKey(msg)
	if key != "" {
		if cached, cachedErr, ok := d.dedup.Get(key); ok {
			logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
			logger.Debug().
				Str("dedup_key", key).
				Msg("Duplicate inbound message, returning cached result")
			return cached, cachedErr
		}
	}

	result, err := d.lanes.Do(ctx, laneKey(msg), func(ctx context.Context) (interface{}, error) {
		return d.processInbound(ctx, msg)
	})

	// Only successful outcomes are cached: a rejected message must stay
	// retryable on redelivery.
	if key != "" && err == nil {
		d.dedup.Set(key, result, nil)
	}
	return result, err
}

func (d *Daemon) processInbound(ctx context.Context, msg channels.InboundMessage) (interface{}, error) {
	if _, err := d.directory.Tenant(msg.TenantID); err != nil {
		return nil, fmt.Errorf("unknown tenant %s: %w", msg.TenantID, err)
	}

	sess, err := d.sessions.Resolve(ctx, msg.TenantID, msg.Channel, msg.ExternalContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	ctx = tracing.WithSessionID(ctx, sess.ID)

	body := inboundBody(msg)
	if _, err := d.sessions.Append(ctx, sess.ID, session.Message{
		Role:   session.RoleInbound,
		Author: msg.ExternalContactID,
		Body:   body,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist inbound message: %w", err)
	}

	agent, err := d.agentFor(sess)
	if err != nil {
		return nil, err
	}

	result, err := d.dispatcher.Dispatch(ctx, dispatch.Request{
		Session: sess,
		Agent:   agent,
		Input:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}
	return result, nil
}

// agentFor selects the responding agent for the session's conversation mode:
// team sessions go to the coordinator, everything else to the tenant default.
func (d *Daemon) agentFor(sess *session.Session) (*directory.Agent, error) {
	if sess.Mode == session.ModeTeam {
		agent, err := d.directory.Coordinator(sess.TenantID)
		if err != nil {
			return nil, fmt.Errorf("team session without coordinator: %w", err)
		}
		return agent, nil
	}
	agent, err := d.directory.DefaultAgent(sess.TenantID)
	if err != nil {
		return nil, fmt.Errorf("no agent configured for tenant %s: %w", sess.TenantID, err)
	}
	return agent, nil
}

func validateInbound(msg channels.InboundMessage) error {
	if msg.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if msg.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if msg.ExternalContactID == "" {
		return fmt.Errorf("external contact id is required")
	}
	if strings.TrimSpace(msg.Body) == "" && len(msg.Attachments) == 0 {
		return fmt.Errorf("message body is empty")
	}
	return nil
}

// inboundBody folds attachment references into the stored body. Attachments
// are opaque to orchestration; tools interpret them downstream.
func inboundBody(msg channels.InboundMessage) string {
	body := strings.TrimSpace(msg.Body)
	if len(msg.Attachments) == 0 {
		return body
	}
	parts := make([]string, 0, len(msg.Attachments)+1)
	if body != "" {
		parts = append(parts, body)
	}
	parts = append(parts, msg.Attachments...)
	return strings.Join(parts, "\n")
}

// laneKey serializes all work for one contact; unrelated contacts run in
// parallel.
func laneKey(msg channels.InboundMessage) string {
	return msg.TenantID + "|" + msg.Channel + "|" + msg.ExternalContactID
}

// dedupKey identifies a redelivered channel update. Adapters that carry a
// channel-native message id put it in metadata; without one deduplication is
// skipped.
func dedupKey(msg channels.InboundMessage) string {
	if msg.Metadata == nil {
		return ""
	}
	mid, ok := msg.Metadata["message_id"]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s|%v", msg.TenantID, msg.Channel, msg.ExternalContactID, mid)
}
