package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/pkg/directory"
)

// Pusher is the slice of the gateway that delivers frames to a live webchat
// connection.
type Pusher interface {
	Push(tenantID, contactID string, payload interface{}) error
}

// WebchatTransport delivers through the websocket gateway. Webchat has no
// rich-formatting rejection path; the client renders what it gets.
type WebchatTransport struct {
	pusher Pusher
	logger zerolog.Logger
}

// NewWebchatTransport creates the webchat transport.
func NewWebchatTransport(pusher Pusher, logger zerolog.Logger) *WebchatTransport {
	return &WebchatTransport{
		pusher: pusher,
		logger: logger.With().Str("transport", "webchat").Logger(),
	}
}

// Channel implements Transport.
func (t *WebchatTransport) Channel() string {
	return "webchat"
}

// RequiresCredential implements Transport.
func (t *WebchatTransport) RequiresCredential() bool {
	return false
}

// Send implements Transport.
func (t *WebchatTransport) Send(ctx context.Context, cred *directory.ProviderCredential, msg OutboundMessage) (string, error) {
	err := t.pusher.Push(msg.TenantID, msg.RecipientID, map[string]interface{}{
		"type":         "message",
		"content":      msg.Content,
		"content_type": msg.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("webchat push failed: %w", err)
	}
	return "", nil
}
