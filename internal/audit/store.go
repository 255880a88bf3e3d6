package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// Config controls how the audit store connects to its backing database.
type Config struct {
	Driver   string // "sqlite" or "postgres"; defaults to "sqlite"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Store is the append-only audit log. Safe for concurrent use — all
// methods delegate to gorm, which manages its own connection pool.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to the configured database, applies pending migrations,
// and returns a ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("audit: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("audit: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("audit: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("audit: migrations failed: %w", err)
	}

	return &Store{db: database, log: cfg.Logger.Named("audit")}, nil
}

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		src, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
		if err != nil {
			return fmt.Errorf("failed to create migration source: %w", err)
		}
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		src, err := iofs.New(postgresMigrationsFS, "migrations/postgres")
		if err != nil {
			return fmt.Errorf("failed to create migration source: %w", err)
		}
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("audit log migrations applied successfully")
	return nil
}

// Record appends an event. Failures are the caller's to handle — audit
// writes are best-effort diagnostics, never on the critical path of a
// dispatch or registration decision.
func (s *Store) Record(ctx context.Context, ev Event) error {
	ev.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// ListByConn returns the most recent events for connID, newest first,
// capped at limit.
func (s *Store) ListByConn(ctx context.Context, connID string, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("conn_id = ?", connID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list by conn: %w", err)
	}
	return events, nil
}

// ListByProc returns the most recent events for procID, newest first,
// capped at limit.
func (s *Store) ListByProc(ctx context.Context, procID string, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("proc_id = ?", procID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("audit: list by proc: %w", err)
	}
	return events, nil
}

// Prune deletes events older than retain. Called periodically by the
// scheduled retention job in prune.go.
func (s *Store) Prune(ctx context.Context, retain time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retain)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
