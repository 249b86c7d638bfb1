package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/filepipe-backend/pkg/config"
)

var schemaRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// EnsureSchema creates schema when it does not exist yet. An empty schema is
// the connection's default and needs nothing.
func EnsureSchema(ctx context.Context, db *sql.DB, schema string) error {
	if schema == "" {
		return nil
	}
	if !schemaRe.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}

// SearchPathDSN pins the connection's search_path to schema so unqualified
// migrations, and goose's own version table, land inside it. Both URL and
// keyword/value DSNs are supported.
func SearchPathDSN(dsn, schema string) (string, error) {
	if schema == "" {
		return dsn, nil
	}
	if !schemaRe.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema, nil
}

// Open returns a dedicated connection for running migrations into cfg.Schema.
// The schema is created first through a default connection.
func Open(ctx context.Context, cfg config.DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.Schema != "" {
		base, err := openSQL(cfg.DSN)
		if err != nil {
			return nil, err
		}
		err = EnsureSchema(ctx, base, cfg.Schema)
		_ = base.Close()
		if err != nil {
			return nil, err
		}
	}
	dsn, err := SearchPathDSN(cfg.DSN, cfg.Schema)
	if err != nil {
		return nil, err
	}
	return openSQL(dsn)
}

func openSQL(dsn string) (*sql.DB, error) {
	conn, err := gorm.Open(postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening migration connection: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("extracting sql.DB: %w", err)
	}
	return sqlDB, nil
}
