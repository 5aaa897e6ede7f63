// Package driver abstracts the supported database engines behind a
// small connection-oriented interface the pool builds on.
package driver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Driver hands out dedicated database connections. The pool owns every
// Conn it obtains here; a Driver never shares a Conn between callers.
type Driver interface {
	Connect(ctx context.Context) (Conn, error)

	Name() string

	Close() error
}

// Conn is one open handle to the database. Exec serves both reads and
// writes; Begin/Commit/Rollback bracket an explicit transaction on the
// same handle.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) (Result, error)

	Begin(ctx context.Context, opts TxOptions) error

	Commit(ctx context.Context) error

	Rollback(ctx context.Context) error

	Ping(ctx context.Context) error

	Close() error
}

type Config struct {
	Type     string // mysql | postgres | mssql | pgx
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

type Result struct {
	Columns      []string
	Rows         []map[string]any
	RowsAffected int64
}

type TxOptions struct {
	Isolation  string // read committed | repeatable read | serializable
	ReadOnly   bool
	Deferrable bool
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// SplitIdentifier validates a possibly schema-qualified identifier and
// returns its segments. Generated statements must only ever interpolate
// identifiers that pass this check.
func SplitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

// QuoteIdentifier validates and double-quotes a qualified identifier.
func QuoteIdentifier(ident string) (string, error) {
	parts, err := SplitIdentifier(ident)
	if err != nil {
		return "", err
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = `"` + part + `"`
	}
	return strings.Join(quoted, "."), nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	default:
		return t
	}
}
