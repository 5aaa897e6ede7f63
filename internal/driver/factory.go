package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Open builds a Driver for the configured engine. The postgres type uses
// database/sql with lib/pq; the pgx type talks the native pgx protocol.
func Open(cfg Config) (Driver, error) {
	if strings.TrimSpace(cfg.Type) == "" {
		return nil, errors.New("database type is required")
	}
	switch strings.ToLower(cfg.Type) {
	case "mysql":
		return newSQLDriver("mysql", mysqlDSN(cfg))
	case "postgres", "postgresql":
		return newSQLDriver("postgres", postgresDSN(cfg))
	case "mssql", "sqlserver":
		return newSQLDriver("sqlserver", mssqlDSN(cfg))
	case "pgx":
		return newPgxDriver(cfg)
	case "memory":
		return NewMemDriver(), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// CatalogQuery returns the statement that enumerates base tables for the
// given engine name.
func CatalogQuery(engine string) string {
	switch engine {
	case "mysql":
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'"
	case "sqlserver":
		return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_CATALOG = DB_NAME()"
	default:
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'"
	}
}
