package directory

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ErrTenantNotFound is returned when a tenant id has no directory entry.
var ErrTenantNotFound = fmt.Errorf("tenant not found")

// ErrAgentNotFound is returned when an agent id has no entry under the tenant.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// Directory is the read-only view of tenant configuration consumed by the
// orchestration core. It keeps an in-memory snapshot of the tenants file and
// swaps it wholesale on reload, so readers never see a half-applied update.
type Directory struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant

	watcher *watcher
}

// Config holds directory configuration.
type Config struct {
	TenantsFile string
	Logger      zerolog.Logger
}

// New creates a directory backed by the given tenants file.
func New(cfg Config) (*Directory, error) {
	if cfg.TenantsFile == "" {
		return nil, fmt.Errorf("tenants file path is required")
	}

	d := &Directory{
		path:    cfg.TenantsFile,
		logger:  cfg.Logger,
		tenants: make(map[string]*Tenant),
	}

	return d, nil
}

// Load reads the tenants file into memory. A missing file yields an empty
// directory; a malformed file is an error so a bad edit never wipes config.
func (d *Directory) Load() error {
	data, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		d.logger.Warn().Str("path", d.path).Msg("Tenants file does not exist, starting with empty directory")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tenants file: %w", err)
	}

	var file tenantsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse tenants file: %w", err)
	}

	tenants := make(map[string]*Tenant, len(file.Tenants))
	for i := range file.Tenants {
		t := file.Tenants[i]
		if err := validateTenant(t); err != nil {
			return fmt.Errorf("invalid tenants file: %w", err)
		}
		if _, exists := tenants[t.ID]; exists {
			return fmt.Errorf("invalid tenants file: duplicate tenant id %s", t.ID)
		}
		tenants[t.ID] = &t
	}

	d.mu.Lock()
	d.tenants = tenants
	d.mu.Unlock()

	d.logger.Info().
		Int("tenants", len(tenants)).
		Str("path", d.path).
		Msg("Tenant directory loaded")

	return nil
}

// Tenant returns a copy of the tenant entry.
func (d *Directory) Tenant(id string) (*Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}

	cp := *t
	return &cp, nil
}

// Agent returns a copy of one agent entry under the tenant.
func (d *Directory) Agent(tenantID, agentID string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	for i := range t.Agents {
		if t.Agents[i].ID == agentID {
			cp := t.Agents[i]
			return &cp, nil
		}
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrAgentNotFound, tenantID, agentID)
}

// DefaultAgent returns the tenant's default responder: the configured default
// if set, otherwise the first coordinator, otherwise the first agent.
func (d *Directory) DefaultAgent(tenantID string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	if t.DefaultAgent != "" {
		for i := range t.Agents {
			if t.Agents[i].ID == t.DefaultAgent {
				cp := t.Agents[i]
				return &cp, nil
			}
		}
	}
	for i := range t.Agents {
		if t.Agents[i].Role == RoleCoordinator {
			cp := t.Agents[i]
			return &cp, nil
		}
	}

	cp := t.Agents[0]
	return &cp, nil
}

// Coordinator returns the tenant's coordinator agent, if any.
func (d *Directory) Coordinator(tenantID string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	for i := range t.Agents {
		if t.Agents[i].Role == RoleCoordinator {
			cp := t.Agents[i]
			return &cp, nil
		}
	}

	return nil, fmt.Errorf("%w: tenant %s has no coordinator", ErrAgentNotFound, tenantID)
}

// Specialists returns copies of the tenant's specialist agents.
func (d *Directory) Specialists(tenantID string) ([]Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	specialists := []Agent{}
	for i := range t.Agents {
		if t.Agents[i].Role == RoleSpecialist {
			specialists = append(specialists, t.Agents[i])
		}
	}

	return specialists, nil
}

// Credential returns the tenant-owned credential for a channel, if one is
// stored. When multiple credentials cover the same channel, the lowest
// priority value wins.
func (d *Directory) Credential(tenantID, channel string) (*ProviderCredential, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, false
	}

	var best *ProviderCredential
	for i := range t.Credentials {
		cred := &t.Credentials[i]
		if cred.Channel != channel {
			continue
		}
		if best == nil || cred.Priority < best.Priority {
			best = cred
		}
	}

	if best == nil {
		return nil, false
	}

	cp := *best
	return &cp, true
}

// Entitlements returns the tenant's tool entitlements.
func (d *Directory) Entitlements(tenantID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[tenantID]
	if !ok {
		return nil
	}

	out := make([]string, len(t.Entitlements))
	copy(out, t.Entitlements)
	return out
}

// TenantByTelegramChat resolves the tenant bound to a Telegram chat on the
// platform bot.
func (d *Directory) TenantByTelegramChat(chatID int64) (*Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, t := range d.tenants {
		for _, id := range t.Bindings.TelegramChatIDs {
			if id == chatID {
				cp := *t
				return &cp, true
			}
		}
	}

	return nil, false
}

// TenantIDs returns the ids of all loaded tenants.
func (d *Directory) TenantIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.tenants))
	for id := range d.tenants {
		ids = append(ids, id)
	}
	return ids
}
