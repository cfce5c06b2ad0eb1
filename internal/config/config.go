package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Parley configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Tenants file consumed by the directory (hot-reloaded)
	TenantsFile string `json:"tenants_file" mapstructure:"tenants_file"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Channels and their platform-shared fallback credentials
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`

	// Gateway (webchat websocket server)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Reasoning provider profiles
	Reasoning ReasoningConfig `json:"reasoning" mapstructure:"reasoning"`

	// Dispatch tuning
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`

	// Fan-out tuning
	FanOut FanOutConfig `json:"fanout" mapstructure:"fanout"`

	// Tool execution
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Quota defaults (tenants may override in the tenants file)
	Quota QuotaConfig `json:"quota" mapstructure:"quota"`

	// Knowledge base
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`

	// Maintenance sweeps
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ChannelsConfig holds per-channel enablement and platform fallback credentials
type ChannelsConfig struct {
	Telegram TelegramChannelConfig `json:"telegram" mapstructure:"telegram"`
	Webchat  WebchatChannelConfig  `json:"webchat" mapstructure:"webchat"`
	Webhook  WebhookChannelConfig  `json:"webhook" mapstructure:"webhook"`
}

// TelegramChannelConfig holds the Telegram channel settings. BotToken is the
// platform-shared fallback credential; tenants may bring their own bot.
type TelegramChannelConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
}

// WebchatChannelConfig holds the webchat channel settings. Webchat delivers
// through the gateway, so the platform credential is implicit.
type WebchatChannelConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// WebhookChannelConfig holds the outbound webhook channel settings. There is
// no platform fallback: a tenant must configure its own endpoint.
type WebhookChannelConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	TimeoutSeconds int  `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ReasoningConfig holds reasoning engine configuration
type ReasoningConfig struct {
	Profiles       []ReasoningProfile `json:"profiles" mapstructure:"profiles"`
	TimeoutSeconds int                `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries     int                `json:"max_retries" mapstructure:"max_retries"`
}

// ReasoningProfile represents one reasoning provider credential
type ReasoningProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DispatchConfig holds agent dispatch tuning
type DispatchConfig struct {
	HistoryWindow int `json:"history_window" mapstructure:"history_window"`
}

// FanOutConfig holds fan-out orchestration tuning
type FanOutConfig struct {
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	MaxSpecialists        int    `json:"max_specialists" mapstructure:"max_specialists"`
	SnapshotDir           string `json:"snapshot_dir" mapstructure:"snapshot_dir"`
}

// ToolsConfig holds tool execution configuration
type ToolsConfig struct {
	ExecutionTimeoutSeconds int  `json:"execution_timeout_seconds" mapstructure:"execution_timeout_seconds"`
	ApprovalsEnabled        bool `json:"approvals_enabled" mapstructure:"approvals_enabled"`
	ApprovalTimeoutSeconds  int  `json:"approval_timeout_seconds" mapstructure:"approval_timeout_seconds"`
}

// QuotaConfig holds default per-tenant quota limits; zero means unlimited
type QuotaConfig struct {
	DailyMessageLimit int `json:"daily_message_limit" mapstructure:"daily_message_limit"`
	DailyTokenLimit   int `json:"daily_token_limit" mapstructure:"daily_token_limit"`
}

// KnowledgeConfig holds knowledge base configuration
type KnowledgeConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// MaintenanceConfig holds cron schedules for background sweeps
type MaintenanceConfig struct {
	SessionIdleHours int    `json:"session_idle_hours" mapstructure:"session_idle_hours"`
	ArchiveCron      string `json:"archive_cron" mapstructure:"archive_cron"`
	FanOutGCCron     string `json:"fanout_gc_cron" mapstructure:"fanout_gc_cron"`
	UsageRollupCron  string `json:"usage_rollup_cron" mapstructure:"usage_rollup_cron"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramChannelConfig{Enabled: false},
			Webchat:  WebchatChannelConfig{Enabled: true},
			Webhook:  WebhookChannelConfig{Enabled: false, TimeoutSeconds: 15},
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Reasoning: ReasoningConfig{
			Profiles:       []ReasoningProfile{},
			TimeoutSeconds: 120,
			MaxRetries:     1,
		},
		Dispatch: DispatchConfig{
			HistoryWindow: 20,
		},
		FanOut: FanOutConfig{
			DefaultTimeoutSeconds: 60,
			MaxSpecialists:        8,
		},
		Tools: ToolsConfig{
			ExecutionTimeoutSeconds: 30,
			ApprovalsEnabled:        true,
			ApprovalTimeoutSeconds:  60,
		},
		Quota: QuotaConfig{
			DailyMessageLimit: 1000,
			DailyTokenLimit:   0,
		},
		Knowledge: KnowledgeConfig{
			Enabled: false,
		},
		Maintenance: MaintenanceConfig{
			SessionIdleHours: 72,
			ArchiveCron:      "*/30 * * * *",
			FanOutGCCron:     "15 * * * *",
			UsageRollupCron:  "5 0 * * *",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Reasoning.Profiles) == 0 {
		return fmt.Errorf("no reasoning credentials configured: at least one profile is required")
	}

	for i, profile := range c.Reasoning.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("reasoning profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("reasoning profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("reasoning profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("reasoning profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when the Telegram channel is enabled")
	}

	if c.Channels.Webchat.Enabled && c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway shared secret is required when the webchat channel is enabled")
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	if c.FanOut.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("fanout default timeout must be positive")
	}
	if c.FanOut.MaxSpecialists <= 0 {
		return fmt.Errorf("fanout max specialists must be positive")
	}

	if c.Dispatch.HistoryWindow <= 0 {
		return fmt.Errorf("dispatch history window must be positive")
	}

	if c.Quota.DailyMessageLimit < 0 || c.Quota.DailyTokenLimit < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}

	if c.Knowledge.Enabled && c.Knowledge.Dir == "" {
		return fmt.Errorf("knowledge dir is required when knowledge is enabled")
	}

	return nil
}
