package config

import (
	"fmt"
	"strings"
)

// ValidationError is one configuration problem.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no validation errors"
	case 1:
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates tenantgate configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates cfg. Defaults must already be applied.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates cfg and returns ValidationErrors, or nil.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	if cfg.Service.Name == "" {
		v.addError("service.name", "name is required")
	}
	v.validateLogging(&cfg.Logging)
	v.validateTracing(&cfg.Tracing)
	v.validateStorage(&cfg.Storage)
	v.validateCache(&cfg.Cache)
	if err := cfg.Audit.Validate(); err != nil {
		v.addError("audit", err.Error())
	}
	v.validateAuthz(&cfg.Authz)
	v.validateTenants(cfg)
	v.validateEntities(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", "level must be debug, info, warn, or error")
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", "format must be json or console")
	}
}

func (v *Validator) validateTracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "samplingRate must be between 0 and 1")
	}
	if t.Enabled && t.OTLPEndpoint == "" {
		v.addError("tracing.otlpEndpoint", "otlpEndpoint is required when tracing is enabled")
	}
}

func (v *Validator) validateStorage(s *StorageConfig) {
	switch s.Driver {
	case StorageDriverPostgres, StorageDriverSQLite:
	default:
		v.addError("storage.driver", "driver must be postgres or sqlite")
	}
	if s.DSN == "" {
		v.addError("storage.dsn", "dsn is required")
	}
	if s.ConnectRetries < 0 {
		v.addError("storage.connectRetries", "connectRetries must be non-negative")
	}
	if s.MaxOpenConns < 0 || s.MaxIdleConns < 0 {
		v.addError("storage", "connection limits must be non-negative")
	}
	if s.MaxIdleConns > s.MaxOpenConns && s.MaxOpenConns > 0 {
		v.addError("storage.maxIdleConns", "maxIdleConns must not exceed maxOpenConns")
	}
}

func (v *Validator) validateCache(c *CacheConfig) {
	if !c.Enabled {
		return
	}
	switch c.Type {
	case CacheTypeMemory:
	case CacheTypeRedis:
		if c.Redis == nil || c.Redis.URL == "" {
			v.addError("cache.redis.url", "url is required for redis cache")
		} else if c.Redis.TTLJitter < 0 || c.Redis.TTLJitter > 1 {
			v.addError("cache.redis.ttlJitter", "ttlJitter must be between 0 and 1")
		}
	default:
		v.addError("cache.type", "type must be memory or redis")
	}
	if c.TTL < 0 {
		v.addError("cache.ttl", "ttl must be non-negative")
	}
	if c.MaxEntries < 0 {
		v.addError("cache.maxEntries", "maxEntries must be non-negative")
	}
	if cb := c.CircuitBreaker; cb != nil && cb.Enabled && cb.Threshold <= 0 {
		v.addError("cache.circuitBreaker.threshold", "threshold must be positive")
	}
}

func (v *Validator) validateAuthz(a *AuthzConfig) {
	ids := make(map[string]bool, len(a.Policies))
	for i := range a.Policies {
		path := fmt.Sprintf("authz.policies[%d]", i)
		p := &a.Policies[i]
		if p.OrgID != "" {
			v.addError(path+".orgId", "bootstrap policies must not set orgId")
		}
		if err := p.Validate(); err != nil {
			v.addError(path, err.Error())
		}
		if ids[p.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate policy id: %s", p.ID))
		}
		ids[p.ID] = true
	}
	keys := make(map[string]bool, len(a.Roles))
	for i := range a.Roles {
		path := fmt.Sprintf("authz.roles[%d]", i)
		r := &a.Roles[i]
		if err := r.Validate(); err != nil {
			v.addError(path, err.Error())
		}
		if keys[r.Key] {
			v.addError(path+".key", fmt.Sprintf("duplicate role key: %s", r.Key))
		}
		keys[r.Key] = true
	}
}

func (v *Validator) validateTenants(cfg *Config) {
	seen := make(map[string]bool, len(cfg.Tenants))
	for i, p := range cfg.Tenants {
		path := fmt.Sprintf("tenants[%d]", i)
		if err := p.Validate(); err != nil {
			v.addError(path, err.Error())
			continue
		}
		if seen[p.OrgID] {
			v.addError(path+".orgId", fmt.Sprintf("duplicate tenant: %s", p.OrgID))
		}
		seen[p.OrgID] = true
	}
}

func (v *Validator) validateEntities(cfg *Config) {
	seen := make(map[string]bool, len(cfg.Entities))
	for i := range cfg.Entities {
		path := fmt.Sprintf("entities[%d]", i)
		e := &cfg.Entities[i]
		if err := e.Validate(); err != nil {
			v.addError(path, err.Error())
			continue
		}
		if seen[e.Model] {
			v.addError(path+".model", fmt.Sprintf("duplicate entity: %s", e.Model))
		}
		seen[e.Model] = true
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
