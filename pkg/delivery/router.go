package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/directory"
)

// ErrFormatRejected means the channel refused the rich rendering. The router
// retries such sends once with plain text.
var ErrFormatRejected = errors.New("channel rejected message formatting")

// Content types for outbound messages.
const (
	ContentMarkdown = "markdown"
	ContentPlain    = "plain"
)

// OutboundMessage is one reply headed to a contact.
type OutboundMessage struct {
	TenantID    string `json:"tenant_id"`
	Channel     string `json:"channel"`
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"` // markdown or plain
}

// Result reports the outcome of one delivery attempt. A failed delivery
// never rolls back the persisted message.
type Result struct {
	Success     bool   `json:"success"`
	DeliveredID string `json:"delivered_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Transport sends through one channel with a resolved credential.
// RequiresCredential is false for channels that deliver over a connection
// the platform already owns, like webchat.
type Transport interface {
	Channel() string
	RequiresCredential() bool
	Send(ctx context.Context, cred *directory.ProviderCredential, msg OutboundMessage) (string, error)
}

// Router resolves credentials and fans deliveries out to channel transports.
type Router struct {
	resolver   *CredentialResolver
	transports map[string]Transport
	logger     zerolog.Logger
}

// NewRouter creates a delivery router.
func NewRouter(resolver *CredentialResolver, logger zerolog.Logger) *Router {
	observability.EnsureRegistered()
	return &Router{
		resolver:   resolver,
		transports: make(map[string]Transport),
		logger:     logger.With().Str("component", "delivery").Logger(),
	}
}

// RegisterTransport adds a channel transport.
func (r *Router) RegisterTransport(t Transport) {
	r.transports[t.Channel()] = t
}

// Send delivers one message. A formatting rejection triggers a single
// plain-text retry; every other failure is final.
func (r *Router) Send(ctx context.Context, msg OutboundMessage) Result {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	transport, ok := r.transports[msg.Channel]
	if !ok {
		observability.RecordDelivery(msg.Channel, time.Since(start), false)
		return Result{Success: false, Error: fmt.Sprintf("no transport for channel %s", msg.Channel)}
	}

	var cred *directory.ProviderCredential
	var tenantOwned bool
	if transport.RequiresCredential() {
		var err error
		cred, tenantOwned, err = r.resolver.Resolve(ctx, msg.TenantID, msg.Channel)
		if err != nil {
			logger.Error().
				Str("tenantId", msg.TenantID).
				Str("channel", msg.Channel).
				Err(err).
				Msg("Credential resolution failed")
			observability.RecordDelivery(msg.Channel, time.Since(start), false)
			return Result{Success: false, Error: err.Error()}
		}
	}

	deliveredID, err := transport.Send(ctx, cred, msg)
	if errors.Is(err, ErrFormatRejected) && msg.ContentType != ContentPlain {
		logger.Info().
			Str("channel", msg.Channel).
			Msg("Formatting rejected, retrying as plain text")
		observability.RecordDeliveryFallback(msg.Channel)

		plain := msg
		plain.ContentType = ContentPlain
		deliveredID, err = transport.Send(ctx, cred, plain)
	}

	if err != nil {
		logger.Error().
			Str("tenantId", msg.TenantID).
			Str("channel", msg.Channel).
			Bool("tenantCredential", tenantOwned).
			Err(err).
			Msg("Delivery failed")
		observability.RecordDelivery(msg.Channel, time.Since(start), false)
		return Result{Success: false, Error: err.Error()}
	}

	logger.Debug().
		Str("channel", msg.Channel).
		Str("deliveredId", deliveredID).
		Dur("duration", time.Since(start)).
		Msg("Message delivered")
	observability.RecordDelivery(msg.Channel, time.Since(start), true)
	return Result{Success: true, DeliveredID: deliveredID}
}
