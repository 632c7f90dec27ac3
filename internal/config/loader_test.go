package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

const validConfigYAML = `
service:
  name: tenantgate-test
logging:
  level: debug
  format: console
storage:
  driver: sqlite
  dsn: "file::memory:"
  autoMigrate: true
cache:
  enabled: true
  type: redis
  ttl: 1m
  redis:
    url: ${TG_TEST_REDIS_URL:-redis://localhost:6379/0}
    keyPrefix: tg:test
  circuitBreaker:
    enabled: true
authz:
  reloadInterval: 15s
  decisionCache:
    enabled: true
    ttl: 2s
tenants:
  - orgId: org-a
    classification: internal
    residency: eu-west
  - orgId: org-b
    classification: confidential
    residency: us-east
entities:
  - model: hr.leave.request
    table: leave_requests
    auditSource: leave-service
    cacheable: true
  - model: country
    scope: none
`

// ============================================================
// LoadConfig
// ============================================================

func TestLoadConfigFromReader_Valid(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "tenantgate-test", cfg.Service.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, StorageDriverSQLite, cfg.Storage.Driver)
	assert.True(t, cfg.Storage.AutoMigrate)
	assert.Equal(t, DefaultMaxOpenConns, cfg.Storage.MaxOpenConns)

	assert.Equal(t, CacheTypeRedis, cfg.Cache.Type)
	assert.Equal(t, time.Minute, cfg.Cache.TTL.Duration())
	require.NotNil(t, cfg.Cache.Redis)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.Redis.URL)
	require.NotNil(t, cfg.Cache.CircuitBreaker)
	assert.Equal(t, DefaultBreakerThreshold, cfg.Cache.CircuitBreaker.Threshold)
	assert.Equal(t, DefaultBreakerTimeout, cfg.Cache.CircuitBreaker.Timeout.Duration())

	assert.Equal(t, 15*time.Second, cfg.Authz.ReloadInterval.Duration())
	assert.Equal(t, 2*time.Second, cfg.Authz.DecisionCache.TTL.Duration())
	assert.NotEmpty(t, cfg.Authz.BootstrapPolicies())
	assert.NotEmpty(t, cfg.Authz.BootstrapRoles())

	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, compliance.Confidential, cfg.Tenants[1].Classification)
	assert.Equal(t, compliance.Residency("us-east"), cfg.Tenants[1].Residency)

	require.Len(t, cfg.Entities, 2)
	assert.Equal(t, tenant.ScopeStrict, cfg.Entities[0].Scope)
	assert.Equal(t, "hr.leave.request", cfg.Entities[0].CacheScope)
	assert.Equal(t, tenant.ScopeNone, cfg.Entities[1].Scope)
	assert.Equal(t, "country", cfg.Entities[1].Table)

	require.NotNil(t, cfg.Audit)
	assert.True(t, cfg.Audit.Enabled)
}

func TestLoadConfigFromReader_EnvSubstitution(t *testing.T) {
	t.Setenv("TG_TEST_REDIS_URL", "redis://cache:6380/2")

	cfg, err := LoadConfigFromReader(strings.NewReader(validConfigYAML))
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6380/2", cfg.Cache.Redis.URL)
}

func TestLoadConfigFromReader_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFromReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultServiceName, cfg.Service.Name)
	assert.Equal(t, DefaultSQLiteDSN, cfg.Storage.DSN)
	assert.Equal(t, DefaultReloadInterval, cfg.Authz.ReloadInterval.Duration())
}

func TestLoadConfigFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := LoadConfigFromReader(strings.NewReader("service:\n  nmae: typo\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tenantgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfigYAML), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tenantgate-test", cfg.Service.Name)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TG_TEST_SET", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "set", input: "a: ${TG_TEST_SET}", want: "a: value"},
		{name: "default", input: "a: ${TG_TEST_UNSET:-fallback}", want: "a: fallback"},
		{name: "unset no default", input: "a: ${TG_TEST_UNSET}", want: "a: "},
		{name: "escaped", input: "a: $${TG_TEST_SET}", want: "a: ${TG_TEST_SET}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, substituteEnvVars(tt.input))
		})
	}
}

// ============================================================
// Validation
// ============================================================

func TestValidateConfig_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{
			name:   "log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			path:   "logging.level",
		},
		{
			name:   "sampling rate",
			mutate: func(c *Config) { c.Tracing.SamplingRate = 2 },
			path:   "tracing.samplingRate",
		},
		{
			name:   "tracing endpoint",
			mutate: func(c *Config) { c.Tracing.Enabled = true },
			path:   "tracing.otlpEndpoint",
		},
		{
			name:   "storage driver",
			mutate: func(c *Config) { c.Storage.Driver = "mysql" },
			path:   "storage.driver",
		},
		{
			name:   "negative connect retries",
			mutate: func(c *Config) { c.Storage.ConnectRetries = -1 },
			path:   "storage.connectRetries",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = StorageDriverPostgres
				c.Storage.DSN = ""
			},
			path: "storage.dsn",
		},
		{
			name: "redis without url",
			mutate: func(c *Config) {
				c.Cache.Enabled = true
				c.Cache.Type = CacheTypeRedis
			},
			path: "cache.redis.url",
		},
		{
			name: "unknown cache type",
			mutate: func(c *Config) {
				c.Cache.Enabled = true
				c.Cache.Type = "memcached"
			},
			path: "cache.type",
		},
		{
			name: "duplicate tenant",
			mutate: func(c *Config) {
				p := compliance.Profile{OrgID: "org-a", Classification: compliance.Internal, Residency: "eu"}
				c.Tenants = []compliance.Profile{p, p}
			},
			path: "tenants[1].orgId",
		},
		{
			name: "incomplete tenant",
			mutate: func(c *Config) {
				c.Tenants = []compliance.Profile{{OrgID: "org-a"}}
			},
			path: "tenants[0]",
		},
		{
			name: "duplicate entity",
			mutate: func(c *Config) {
				e := tenant.EntityConfig{Model: "x", Scope: tenant.ScopeStrict}
				c.Entities = []tenant.EntityConfig{e, e}
			},
			path: "entities[1].model",
		},
		{
			name: "invalid entity scope",
			mutate: func(c *Config) {
				c.Entities = []tenant.EntityConfig{{Model: "x", Scope: "loose"}}
			},
			path: "entities[0]",
		},
		{
			name: "bootstrap policy with org",
			mutate: func(c *Config) {
				p := c.Authz.BootstrapPolicies()[0]
				p.OrgID = "org-a"
				c.Authz.Policies = append(c.Authz.Policies, p)
			},
			path: "authz.policies[0].orgId",
		},
		{
			name: "invalid audit format",
			mutate: func(c *Config) {
				c.Audit.Format = "xml"
			},
			path: "audit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))

			paths := make([]string, 0, len(verrs))
			for _, e := range verrs {
				paths = append(paths, e.Path)
			}
			assert.Contains(t, paths, tt.path)
		})
	}
}

func TestValidateConfig_Defaults(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateConfig(DefaultConfig()))

	err := ValidateConfig(nil)
	require.Error(t, err)
	assert.Equal(t, "configuration is nil", err.Error())
}

func TestValidationErrors_Error(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
	assert.Equal(t, "a: bad", ValidationErrors{{Path: "a", Message: "bad"}}.Error())

	msg := ValidationErrors{{Path: "a", Message: "bad"}, {Message: "worse"}}.Error()
	assert.Contains(t, msg, "2 validation errors")
	assert.Contains(t, msg, "1. a: bad")
	assert.Contains(t, msg, "2. worse")
}

// ============================================================
// Duration
// ============================================================

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d)

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	out, err := Duration(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))
}

func TestDuration_OrDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Duration(0).OrDefault(time.Second))
	assert.Equal(t, time.Second, Duration(-1).OrDefault(time.Second))
	assert.Equal(t, time.Minute, Duration(time.Minute).OrDefault(time.Second))
}

func TestLoadConfig_Example(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "tenantgate.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StorageDriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Storage.ConnMaxLifetime.Duration())
	assert.Equal(t, 5, cfg.Storage.ConnectRetries)
	require.Len(t, cfg.Tenants, 2)
	assert.Equal(t, compliance.Confidential, cfg.Tenants[1].Classification)
	require.Len(t, cfg.Entities, 4)
	assert.Equal(t, tenant.ScopeNone, cfg.Entities[3].Scope)
	assert.Equal(t, "hr.leave.request", cfg.Entities[1].CacheScope)
}
