package config

import (
	"time"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

// Default values.
const (
	DefaultServiceName       = "tenantgate"
	DefaultMetricsNamespace  = "tenantgate"
	DefaultMetricsAddress    = ":9090"
	DefaultMetricsPath       = "/metrics"
	DefaultStorageDriver     = StorageDriverSQLite
	DefaultSQLiteDSN         = "file::memory:?cache=shared"
	DefaultMaxOpenConns      = 10
	DefaultMaxIdleConns      = 5
	DefaultConnMaxLifetime   = 30 * time.Minute
	DefaultCacheTTL          = 5 * time.Minute
	DefaultCacheMaxEntries   = 10000
	DefaultReloadInterval    = 30 * time.Second
	DefaultDecisionCacheTTL  = 10 * time.Second
	DefaultDecisionCacheSize = 10000
	DefaultBreakerThreshold  = 5
	DefaultBreakerTimeout    = 30 * time.Second
)

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"
)

// Config is the root tenantgate configuration.
type Config struct {
	Service ServiceConfig `yaml:"service" json:"service"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Audit   *audit.Config `yaml:"audit,omitempty" json:"audit,omitempty"`
	Authz   AuthzConfig   `yaml:"authz" json:"authz"`

	// Tenants are the tenant compliance profiles.
	Tenants []compliance.Profile `yaml:"tenants" json:"tenants"`

	// Entities are the persisted entity types and their scope policy.
	Entities []tenant.EntityConfig `yaml:"entities" json:"entities"`
}

// ServiceConfig identifies the process.
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address,omitempty" json:"address,omitempty"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
}

// StorageConfig configures the gorm database.
type StorageConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the driver data source name.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int      `yaml:"maxOpenConns,omitempty" json:"maxOpenConns,omitempty"`
	MaxIdleConns    int      `yaml:"maxIdleConns,omitempty" json:"maxIdleConns,omitempty"`
	ConnMaxLifetime Duration `yaml:"connMaxLifetime,omitempty" json:"connMaxLifetime,omitempty"`

	// AutoMigrate creates the engine tables on startup.
	AutoMigrate bool `yaml:"autoMigrate,omitempty" json:"autoMigrate,omitempty"`

	// ConnectRetries is how many times the initial ping is retried before
	// Open fails. Zero uses the retry default.
	ConnectRetries int `yaml:"connectRetries,omitempty" json:"connectRetries,omitempty"`
}

// AuthzConfig configures policy and role evaluation.
type AuthzConfig struct {
	// ReloadInterval is how often tenant policies and roles are reloaded
	// from storage. A negative value disables periodic reload.
	ReloadInterval Duration `yaml:"reloadInterval,omitempty" json:"reloadInterval,omitempty"`

	// DecisionCache caches ABAC decisions per policy snapshot.
	DecisionCache DecisionCacheConfig `yaml:"decisionCache" json:"decisionCache"`

	// Policies replace the built-in bootstrap policies when set.
	Policies []abac.Policy `yaml:"policies,omitempty" json:"policies,omitempty"`

	// Roles replace the built-in bootstrap roles when set.
	Roles []rbac.RoleDefinition `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// DecisionCacheConfig configures the ABAC decision cache.
type DecisionCacheConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	TTL        Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
	MaxEntries int      `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`
}

// BootstrapPolicies returns the configured bootstrap policies or the
// built-in set.
func (c *AuthzConfig) BootstrapPolicies() []abac.Policy {
	if len(c.Policies) > 0 {
		return c.Policies
	}
	return abac.DefaultPolicies()
}

// BootstrapRoles returns the configured bootstrap roles or the built-in
// set.
func (c *AuthzConfig) BootstrapRoles() []rbac.RoleDefinition {
	if len(c.Roles) > 0 {
		return c.Roles
	}
	return rbac.DefaultRoles()
}

// DefaultConfig returns a configuration with every default applied. It
// has no tenants or entities.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills empty optional fields.
func (c *Config) SetDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = DefaultServiceName
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}

	c.setStorageDefaults()
	c.setCacheDefaults()

	if c.Audit == nil {
		c.Audit = audit.DefaultConfig()
	}

	if c.Authz.ReloadInterval == 0 {
		c.Authz.ReloadInterval = Duration(DefaultReloadInterval)
	}
	if c.Authz.DecisionCache.TTL == 0 {
		c.Authz.DecisionCache.TTL = Duration(DefaultDecisionCacheTTL)
	}
	if c.Authz.DecisionCache.MaxEntries == 0 {
		c.Authz.DecisionCache.MaxEntries = DefaultDecisionCacheSize
	}

	for i := range c.Entities {
		c.Entities[i].SetDefaults()
	}
}

func (c *Config) setStorageDefaults() {
	s := &c.Storage
	if s.Driver == "" {
		s.Driver = DefaultStorageDriver
	}
	if s.DSN == "" && s.Driver == StorageDriverSQLite {
		s.DSN = DefaultSQLiteDSN
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = DefaultMaxOpenConns
	}
	if s.MaxIdleConns == 0 {
		s.MaxIdleConns = DefaultMaxIdleConns
	}
	if s.ConnMaxLifetime == 0 {
		s.ConnMaxLifetime = Duration(DefaultConnMaxLifetime)
	}
}

func (c *Config) setCacheDefaults() {
	cc := &c.Cache
	if cc.Type == "" {
		cc.Type = CacheTypeMemory
	}
	if cc.TTL == 0 {
		cc.TTL = Duration(DefaultCacheTTL)
	}
	if cc.MaxEntries == 0 {
		cc.MaxEntries = DefaultCacheMaxEntries
	}
	if cc.CircuitBreaker != nil {
		if cc.CircuitBreaker.Threshold == 0 {
			cc.CircuitBreaker.Threshold = DefaultBreakerThreshold
		}
		if cc.CircuitBreaker.Timeout == 0 {
			cc.CircuitBreaker.Timeout = Duration(DefaultBreakerTimeout)
		}
	}
}
