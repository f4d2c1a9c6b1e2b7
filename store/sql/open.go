package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-skus/migrations"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

// OpenConfig selects a driver and DSN for OpenClient. Driver is "sqlite3"
// or "postgres".
type OpenConfig struct {
	Driver      string
	DSN         string
	Debug       bool
	PingTimeout time.Duration
	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool
}

func (c OpenConfig) GetDebug() bool {
	return c.Debug
}

func (c OpenConfig) GetDriver() string {
	return c.Driver
}

func (c OpenConfig) GetServer() string {
	return c.DSN
}

func (c OpenConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c OpenConfig) GetOtelIdentifier() string {
	return "go-skus"
}

// OpenClient opens a go-persistence-bun client and applies the embedded
// migrations for the driver's dialect.
func OpenClient(ctx context.Context, cfg OpenConfig) (*persistence.Client, error) {
	cfg.Driver = strings.TrimSpace(strings.ToLower(cfg.Driver))
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	dialectName, err := migrations.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	var dialect schema.Dialect
	switch dialectName {
	case migrations.DialectSQLite:
		cfg.Driver = "sqlite3"
		dialect = sqlitedialect.New()
	default:
		cfg.Driver = "postgres"
		dialect = pgdialect.New()
	}

	sqlDB, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Driver, err)
	}
	if dialectName == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}
	if cfg.SkipMigrations {
		return client, nil
	}

	spec, err := migrations.ForDriver(cfg.Driver)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	client.RegisterSQLMigrations(spec.FS)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
