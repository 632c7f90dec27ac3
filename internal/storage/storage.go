package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
	"github.com/vyrodovalexey/tenantgate/internal/retry"
)

// Common storage errors.
var (
	// ErrNotFound indicates that no row matched within the caller's tenant.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create for an id that is already taken
	// within the tenant, including soft-deleted rows.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrUnknownColumn indicates an operation naming a column the table
	// does not have. Names must match exactly, including case.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrInvalidConfig indicates an unusable storage configuration.
	ErrInvalidConfig = errors.New("invalid storage configuration")
)

const (
	slowQueryThreshold = 200 * time.Millisecond
	connectTimeout     = 30 * time.Second
)

// DB is an explicitly constructed database handle shared by the table
// port and the repositories.
type DB struct {
	gorm   *gorm.DB
	logger observability.Logger
}

// Open connects to the configured driver, applies pool settings and, if
// enabled, migrates the engine tables.
func Open(cfg *config.StorageConfig, logger observability.Logger) (*DB, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(gormWriter{logger: logger}, gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration())
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	err = retry.Do(ctx, &retry.Config{MaxRetries: cfg.ConnectRetries}, sqlDB.PingContext,
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			logger.Warn("database not reachable, retrying",
				observability.String("driver", cfg.Driver),
				observability.Int("attempt", attempt),
				observability.Duration("wait", wait),
				observability.Error(err),
			)
		}),
	)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	d := &DB{gorm: db, logger: logger}
	if cfg.AutoMigrate {
		if err := d.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	logger.Info("storage opened",
		observability.String("driver", cfg.Driver),
		observability.Int("max_open_conns", cfg.MaxOpenConns),
		observability.Bool("auto_migrate", cfg.AutoMigrate),
	)
	return d, nil
}

// NewFromGorm wraps an existing gorm handle.
func NewFromGorm(db *gorm.DB, logger observability.Logger) *DB {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DB{gorm: db, logger: logger}
}

func dialectorFor(cfg *config.StorageConfig) (gorm.Dialector, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}
	switch cfg.Driver {
	case config.StorageDriverPostgres:
		return postgres.Open(cfg.DSN), nil
	case config.StorageDriverSQLite, "":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// Migrate creates or updates the policy and role tables.
func (d *DB) Migrate() error {
	if err := d.gorm.AutoMigrate(&PolicyModel{}, &RoleModel{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Gorm returns the underlying handle.
func (d *DB) Gorm() *gorm.DB {
	return d.gorm
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormWriter routes gorm's slow query and error output to the logger.
type gormWriter struct {
	logger observability.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn(fmt.Sprintf(format, args...), observability.String("component", "gorm"))
}

// TenantScope filters a query by org_id.
func TenantScope(orgID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("org_id = ?", orgID)
	}
}
