package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/pkg/directory"
)

// WebhookTransport posts signed JSON payloads to a tenant-configured URL.
// An HTTP 422 from the receiver counts as a formatting rejection.
type WebhookTransport struct {
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookTransport creates the webhook transport.
func NewWebhookTransport(logger zerolog.Logger) *WebhookTransport {
	return &WebhookTransport{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With().Str("transport", "webhook").Logger(),
	}
}

// Channel implements Transport.
func (t *WebhookTransport) Channel() string {
	return "webhook"
}

// RequiresCredential implements Transport.
func (t *WebhookTransport) RequiresCredential() bool {
	return true
}

type webhookPayload struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	SentAt      string `json:"sent_at"`
}

// Send implements Transport.
func (t *WebhookTransport) Send(ctx context.Context, cred *directory.ProviderCredential, msg OutboundMessage) (string, error) {
	body, err := json.Marshal(webhookPayload{
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		SentAt:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Parley-Signature", Sign(cred.Secret, body))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: receiver returned 422", ErrFormatRejected)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("webhook receiver returned %d: %s", resp.StatusCode, string(payload))
	}

	var ack struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil && ack.ID != "" {
		return ack.ID, nil
	}
	return "", nil
}

// Sign computes the hex HMAC-SHA256 signature receivers use to verify a
// webhook body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
