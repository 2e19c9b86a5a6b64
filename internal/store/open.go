package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the database driver and connection string.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Verbose enables gorm's SQL warnings; production leaves it off and
	// relies on the application logger.
	Verbose bool `yaml:"verbose"`
}

// Open connects to the configured database. SQLite is limited to a single
// connection so writers serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, cfg Config) (*GormStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite", "sqlite3":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "nexus.db"
		}
		dialector = sqlite.Open(dsn)
		driver = "sqlite"
	case "postgres", "postgresql", "pg":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("%w: postgres requires a dsn", ErrInvalidArgument)
		}
		dialector = postgres.Open(cfg.DSN)
		driver = "postgres"
	default:
		return nil, fmt.Errorf("%w: unsupported database driver %q", ErrInvalidArgument, cfg.Driver)
	}

	level := logger.Silent
	if cfg.Verbose {
		level = logger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return NewGormStore(db), nil
}
