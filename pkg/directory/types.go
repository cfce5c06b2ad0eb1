package directory

import (
	"fmt"
	"strings"
)

// AgentRole distinguishes coordinating agents from specialists.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleSpecialist  AgentRole = "specialist"
)

// Valid reports whether the role is a known value.
func (r AgentRole) Valid() bool {
	return r == RoleCoordinator || r == RoleSpecialist
}

// Autonomy is the agent's permission level for side effects and delivery.
type Autonomy string

const (
	AutonomyDraftOnly  Autonomy = "draft-only"
	AutonomySupervised Autonomy = "supervised"
	AutonomyAutonomous Autonomy = "autonomous"
)

// Valid reports whether the autonomy level is a known value.
func (a Autonomy) Valid() bool {
	switch a {
	case AutonomyDraftOnly, AutonomySupervised, AutonomyAutonomous:
		return true
	}
	return false
}

// Agent is one configured responder. Read-only to the orchestration core;
// owned by tenant configuration.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         AgentRole `json:"role"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
	Autonomy     Autonomy  `json:"autonomy"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	UseKnowledge bool      `json:"use_knowledge,omitempty"`
}

// CredentialKind identifies the secret shape for a channel credential.
type CredentialKind string

const (
	CredentialTelegramBot   CredentialKind = "telegram_bot_token"
	CredentialWebhookSigned CredentialKind = "webhook_signed"
)

// ProviderCredential is a channel-specific delivery credential owned by a tenant.
type ProviderCredential struct {
	Channel  string         `json:"channel"`
	Kind     CredentialKind `json:"kind"`
	Token    string         `json:"token,omitempty"`
	URL      string         `json:"url,omitempty"`
	Secret   string         `json:"secret,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// QuotaOverride lets a tenant override the platform quota defaults.
// Zero means "use the platform default"; -1 means unlimited.
type QuotaOverride struct {
	DailyMessageLimit int `json:"daily_message_limit,omitempty"`
	DailyTokenLimit   int `json:"daily_token_limit,omitempty"`
}

// Bindings maps channel-native identities back to the tenant.
type Bindings struct {
	TelegramChatIDs []int64 `json:"telegram_chat_ids,omitempty"`
}

// Tenant holds everything orchestration needs to know about one tenant.
type Tenant struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	DefaultAgent string               `json:"default_agent,omitempty"`
	Entitlements []string             `json:"entitlements,omitempty"`
	Agents       []Agent              `json:"agents"`
	Credentials  []ProviderCredential `json:"credentials,omitempty"`
	Quota        QuotaOverride        `json:"quota,omitempty"`
	Bindings     Bindings             `json:"bindings,omitempty"`
}

// tenantsFile is the on-disk shape of the tenants file.
type tenantsFile struct {
	Version int      `json:"version"`
	Tenants []Tenant `json:"tenants"`
}

// validateTenant checks one tenant entry for structural problems.
func validateTenant(t Tenant) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if len(t.Agents) == 0 {
		return fmt.Errorf("tenant %s: at least one agent is required", t.ID)
	}

	seen := make(map[string]bool, len(t.Agents))
	for _, a := range t.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("tenant %s: agent id is required", t.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("tenant %s: duplicate agent id %s", t.ID, a.ID)
		}
		seen[a.ID] = true

		if !a.Role.Valid() {
			return fmt.Errorf("tenant %s: agent %s: invalid role %q", t.ID, a.ID, a.Role)
		}
		if !a.Autonomy.Valid() {
			return fmt.Errorf("tenant %s: agent %s: invalid autonomy %q", t.ID, a.ID, a.Autonomy)
		}
	}

	if t.DefaultAgent != "" && !seen[t.DefaultAgent] {
		return fmt.Errorf("tenant %s: default agent %s is not defined", t.ID, t.DefaultAgent)
	}

	for _, cred := range t.Credentials {
		if strings.TrimSpace(cred.Channel) == "" {
			return fmt.Errorf("tenant %s: credential channel is required", t.ID)
		}
	}

	return nil
}
