package reasoning

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
	"github.com/rs/zerolog"
)

// Engine is the reasoning entry point the dispatcher depends on.
type Engine interface {
	Complete(ctx context.Context, req Request) (*Reply, error)
}

// Provider is one vendor-specific reasoning backend.
type Provider interface {
	Call(ctx context.Context, req Request) (*Reply, error)
	Provider() string
}

// ProviderCreator builds providers from credential profiles.
type ProviderCreator interface {
	NewProvider(profile Profile) (Provider, error)
}

// ProviderFactory is the default provider creator.
type ProviderFactory struct{}

// NewProvider creates a provider for the profile's vendor.
func (f *ProviderFactory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// Client runs reasoning calls with credential failover and bounded retry.
// A transient error is retried once with backoff; anything else fails over to
// the next profile or surfaces to the caller.
type Client struct {
	factory    ProviderCreator
	timeout    time.Duration
	maxRetries int
	logger     zerolog.Logger

	profiles []Profile
	mu       sync.RWMutex
}

// Config holds client configuration.
type Config struct {
	Profiles   []Profile
	Timeout    time.Duration
	MaxRetries int
	Factory    ProviderCreator
	Logger     zerolog.Logger
}

// NewClient creates a reasoning client.
func NewClient(cfg Config) (*Client, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one reasoning profile is required")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = &ProviderFactory{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		factory:    factory,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		profiles:   cfg.Profiles,
	}, nil
}

// Complete issues one reasoning call, trying profiles in priority order.
func (c *Client) Complete(ctx context.Context, req Request) (*Reply, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	c.mu.RLock()
	profiles := make([]Profile, len(c.profiles))
	copy(profiles, c.profiles)
	c.mu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	logger := tracing.LoggerFromContext(ctx, c.logger)

	var lastErr error
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := c.factory.NewProvider(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		reply, err := c.callWithRetry(ctx, provider, req)
		if err == nil {
			c.markSuccess(profile.ID)
			return reply, nil
		}

		lastErr = err
		c.markFailure(profile.ID)
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Reasoning profile failed")

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable reasoning profile")
	}
	return nil, fmt.Errorf("all reasoning profiles failed: %w", lastErr)
}

// callWithRetry makes the call, retrying transient errors with backoff.
func (c *Client) callWithRetry(ctx context.Context, provider Provider, req Request) (*Reply, error) {
	attempts := c.maxRetries + 1
	logger := tracing.LoggerFromContext(ctx, c.logger)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		reply, err := provider.Call(callCtx, req)
		cancel()

		if err == nil {
			return reply, nil
		}

		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == attempts-1 {
			break
		}

		observability.RecordReasoningRetry(provider.Provider())

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1000*(1<<attempt)) * time.Millisecond
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("provider", provider.Provider()).
			Msg("Retrying reasoning call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("reasoning retries exceeded: %w", lastErr)
}

func (c *Client) markSuccess(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.profiles {
		if c.profiles[i].ID == profileID {
			c.profiles[i].FailureCount = 0
			c.profiles[i].CooldownUntil = nil
			break
		}
	}
}

func (c *Client) markFailure(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.profiles {
		if c.profiles[i].ID == profileID {
			c.profiles[i].FailureCount++
			cooldown := time.Now().UnixMilli() + int64(60000*c.profiles[i].FailureCount)
			c.profiles[i].CooldownUntil = &cooldown
			break
		}
	}
}
