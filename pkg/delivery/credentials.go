// Package delivery turns persisted replies into channel sends, resolving the
// provider credential and falling back to plain text when a channel rejects
// rich formatting.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/directory"
)

var (
	// ErrNoProvider means neither the tenant nor the platform has a usable
	// credential for the channel.
	ErrNoProvider = errors.New("no provider credential for channel")

	// ErrCredentialInvalid means the tenant stored a credential that cannot
	// be used. Fallback covers absent credentials, not broken ones, so this
	// surfaces to the caller.
	ErrCredentialInvalid = errors.New("tenant credential is invalid")
)

// CredentialSource yields a tenant's own credential for a channel.
type CredentialSource interface {
	Credential(tenantID, channel string) (*directory.ProviderCredential, bool)
}

// CredentialResolver picks the credential a delivery should use:
// tenant-owned first, then the injected platform credential.
type CredentialResolver struct {
	source   CredentialSource
	platform map[string]directory.ProviderCredential
	logger   zerolog.Logger
}

// NewCredentialResolver creates a resolver. The platform map is keyed by
// channel name and holds operator-provided fallback credentials.
func NewCredentialResolver(source CredentialSource, platform map[string]directory.ProviderCredential, logger zerolog.Logger) *CredentialResolver {
	if platform == nil {
		platform = map[string]directory.ProviderCredential{}
	}
	return &CredentialResolver{
		source:   source,
		platform: platform,
		logger:   logger.With().Str("component", "credentials").Logger(),
	}
}

// Resolve returns the credential to deliver with, and whether it is
// tenant-owned.
func (r *CredentialResolver) Resolve(ctx context.Context, tenantID, channel string) (*directory.ProviderCredential, bool, error) {
	if cred, ok := r.source.Credential(tenantID, channel); ok {
		if err := validateCredential(cred); err != nil {
			r.logger.Warn().
				Str("tenantId", tenantID).
				Str("channel", channel).
				Err(err).
				Msg("Tenant credential is unusable")
			observability.RecordCredentialAudit(ctx, tenantID, channel, "failure")
			return nil, false, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
		}
		observability.RecordCredentialAudit(ctx, tenantID, channel, "success")
		return cred, true, nil
	}

	if cred, ok := r.platform[channel]; ok {
		cp := cred
		observability.RecordCredentialAudit(ctx, tenantID, channel, "success")
		return &cp, false, nil
	}

	observability.RecordCredentialAudit(ctx, tenantID, channel, "failure")
	return nil, false, fmt.Errorf("%w: %s", ErrNoProvider, channel)
}

// validateCredential checks structural usability, not liveness: a credential
// that passes here can still be rejected by the provider at send time.
func validateCredential(cred *directory.ProviderCredential) error {
	switch cred.Kind {
	case directory.CredentialTelegramBot:
		if cred.Token == "" {
			return errors.New("telegram credential has no token")
		}
	case directory.CredentialWebhookSigned:
		if cred.URL == "" {
			return errors.New("webhook credential has no URL")
		}
		if cred.Secret == "" {
			return errors.New("webhook credential has no signing secret")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", cred.Kind)
	}
	return nil
}
