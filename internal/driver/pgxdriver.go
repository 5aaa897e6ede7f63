package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// pgxDriver talks the native postgres protocol. Each Connect dials a
// fresh *pgx.Conn; pgx connections are not safe for concurrent use, which
// matches the one-owner-at-a-time contract of Conn.
type pgxDriver struct {
	connString string
}

func newPgxDriver(cfg Config) (*pgxDriver, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("pgx driver requires a host")
	}
	return &pgxDriver{connString: postgresDSN(cfg)}, nil
}

func (d *pgxDriver) Name() string { return "pgx" }

func (d *pgxDriver) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, d.connString)
	if err != nil {
		return nil, fmt.Errorf("connect pgx: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

func (d *pgxDriver) Close() error { return nil }

type pgxConn struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

func (c *pgxConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if isRowReturning(query) {
		var rows pgx.Rows
		var err error
		if c.tx != nil {
			rows, err = c.tx.Query(ctx, query, args...)
		} else {
			rows, err = c.conn.Query(ctx, query, args...)
		}
		if err != nil {
			return Result{}, err
		}
		defer rows.Close()
		fields := rows.FieldDescriptions()
		cols := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = f.Name
		}
		results := make([]map[string]any, 0)
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return Result{}, err
			}
			row := make(map[string]any, len(cols))
			for i, col := range cols {
				row[col] = normalizeValue(values[i])
			}
			results = append(results, row)
		}
		if err := rows.Err(); err != nil {
			return Result{}, err
		}
		return Result{Columns: cols, Rows: results, RowsAffected: int64(len(results))}, nil
	}
	var tag interface{ RowsAffected() int64 }
	var err error
	if c.tx != nil {
		t, execErr := c.tx.Exec(ctx, query, args...)
		tag, err = t, execErr
	} else {
		t, execErr := c.conn.Exec(ctx, query, args...)
		tag, err = t, execErr
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: []map[string]any{}, RowsAffected: tag.RowsAffected()}, nil
}

func (c *pgxConn) Begin(ctx context.Context, opts TxOptions) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open on pgx connection")
	}
	txOpts := pgx.TxOptions{IsoLevel: pgxIsoLevel(opts.Isolation)}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	if opts.Deferrable {
		txOpts.DeferrableMode = pgx.Deferrable
	}
	tx, err := c.conn.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("begin pgx transaction: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *pgxConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction on pgx connection")
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	return err
}

func (c *pgxConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	return err
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close() error {
	ctx := context.Background()
	if c.tx != nil {
		_ = c.tx.Rollback(ctx)
		c.tx = nil
	}
	return c.conn.Close(ctx)
}

func pgxIsoLevel(name string) pgx.TxIsoLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read uncommitted":
		return pgx.ReadUncommitted
	case "repeatable read":
		return pgx.RepeatableRead
	case "serializable":
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}
