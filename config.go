package rls

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative form of a tenant's row-level security setup.
type Config struct {
	Version  uint16          `json:"version" yaml:"version"`
	Rules    []*Rule         `json:"rules" yaml:"rules"`
	OrgUnits []OrgUnitConfig `json:"org_units,omitempty" yaml:"org_units,omitempty"`
	Engine   EngineConfig    `json:"engine" yaml:"engine"`
}

type OrgUnitConfig struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Parent   string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

type EngineConfig struct {
	CacheTTL     int64 `json:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	DefaultAllow *bool `json:"default_allow,omitempty" yaml:"default_allow,omitempty"`
	// CacheMaxCost > 0 installs a ristretto cache of that byte budget when
	// the engine has no cache yet.
	CacheMaxCost int64 `json:"cache_max_cost,omitempty" yaml:"cache_max_cost,omitempty"`
}

// Validate checks every rule in the config.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		key := r.TenantID + "/" + r.ID
		if seen[key] {
			return fmt.Errorf("duplicate rule id %s in tenant %s", r.ID, r.TenantID)
		}
		seen[key] = true
	}
	return nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyConfig applies the config to the engine and its rule store. Rules are
// upserted through the store's RuleWriter side; org units populate the
// hierarchy when the engine owns a MemoryOrgHierarchy or has none yet.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Engine.CacheTTL > 0 {
		e.cacheTTL = time.Duration(cfg.Engine.CacheTTL) * time.Millisecond
	}
	if cfg.Engine.DefaultAllow != nil {
		e.defaultAllow = *cfg.Engine.DefaultAllow
	}
	if cfg.Engine.CacheMaxCost > 0 && e.cache == nil {
		c, err := NewRistrettoCache(cfg.Engine.CacheMaxCost)
		if err != nil {
			return fmt.Errorf("configure cache: %w", err)
		}
		e.cache = c
	}

	if len(cfg.OrgUnits) > 0 {
		if e.hierarchy == nil {
			e.hierarchy = NewMemoryOrgHierarchy()
		}
		w, ok := e.hierarchy.(OrgUnitWriter)
		if !ok {
			return fmt.Errorf("org hierarchy does not accept writes")
		}
		for _, u := range cfg.OrgUnits {
			if err := w.AddUnit(ctx, u); err != nil {
				return fmt.Errorf("add org unit %s: %w", u.ID, err)
			}
		}
	}

	if len(cfg.Rules) > 0 {
		w, ok := e.store.(RuleWriter)
		if !ok {
			return fmt.Errorf("rule store does not accept writes")
		}
		for _, r := range cfg.Rules {
			if err := w.UpsertRule(ctx, r); err != nil {
				return fmt.Errorf("upsert rule %s: %w", r.ID, err)
			}
		}
	}

	e.InvalidateCache()
	return nil
}

// ConfigBuilder assembles a Config fluently.
type ConfigBuilder struct {
	cfg Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{Version: 1}}
}

func (b *ConfigBuilder) Rule(r *Rule) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, r)
	return b
}

func (b *ConfigBuilder) OrgUnit(tenantID, id, parent string) *ConfigBuilder {
	b.cfg.OrgUnits = append(b.cfg.OrgUnits, OrgUnitConfig{ID: id, TenantID: tenantID, Parent: parent})
	return b
}

func (b *ConfigBuilder) CacheTTL(ms int64) *ConfigBuilder {
	b.cfg.Engine.CacheTTL = ms
	return b
}

func (b *ConfigBuilder) DefaultAllow(allow bool) *ConfigBuilder {
	b.cfg.Engine.DefaultAllow = &allow
	return b
}

func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return &b.cfg, nil
}
