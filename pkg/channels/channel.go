package channels

import (
	"context"
)

// InboundMessage is the normalized ingress payload from any channel adapter.
// Attachments are opaque references; interpreting media is delegated to tools.
type InboundMessage struct {
	TenantID          string
	Channel           string
	ExternalContactID string
	Body              string
	Attachments       []string
	Metadata          map[string]interface{}
}

// DispatchFunc routes an inbound channel message into the orchestration pipeline.
type DispatchFunc func(ctx context.Context, msg InboundMessage) (interface{}, error)

// Channel is a channel runtime abstraction (telegram, webchat, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}
