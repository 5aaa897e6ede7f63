package driver

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

// sqlDriver backs the mysql, postgres and mssql engines with database/sql.
// Pooling is disabled on the *sql.DB itself; every Connect checks out a
// dedicated *sql.Conn so the platform's own pool stays in charge of
// connection lifecycle.
type sqlDriver struct {
	engine string
	db     *sql.DB
}

func newSQLDriver(engine, dsn string) (*sqlDriver, error) {
	db, err := sql.Open(engine, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", engine, err)
	}
	db.SetMaxIdleConns(0)
	return &sqlDriver{engine: engine, db: db}, nil
}

func (d *sqlDriver) Name() string { return d.engine }

func (d *sqlDriver) Connect(ctx context.Context) (Conn, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire %s connection: %w", d.engine, err)
	}
	return &sqlConn{engine: d.engine, conn: conn}, nil
}

func (d *sqlDriver) Close() error {
	return d.db.Close()
}

type sqlConn struct {
	engine string
	conn   *sql.Conn
	tx     *sql.Tx
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if isRowReturning(query) {
		var rows *sql.Rows
		var err error
		if c.tx != nil {
			rows, err = c.tx.QueryContext(ctx, query, args...)
		} else {
			rows, err = c.conn.QueryContext(ctx, query, args...)
		}
		if err != nil {
			return Result{}, err
		}
		defer rows.Close()
		return scanRows(rows)
	}
	var res sql.Result
	var err error
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, query, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return Result{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return Result{Rows: []map[string]any{}, RowsAffected: affected}, nil
}

func (c *sqlConn) Begin(ctx context.Context, opts TxOptions) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open on %s connection", c.engine)
	}
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{
		Isolation: isolationLevel(opts.Isolation),
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", c.engine, err)
	}
	if opts.Deferrable && c.engine == "postgres" {
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION DEFERRABLE"); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set deferrable: %w", err)
		}
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction on %s connection", c.engine)
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *sqlConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.conn.Close()
}

func isRowReturning(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "SHOW", "WITH", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return strings.Contains(head, " RETURNING ")
}

func isolationLevel(name string) sql.IsolationLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read uncommitted":
		return sql.LevelReadUncommitted
	case "repeatable read":
		return sql.LevelRepeatableRead
	case "serializable":
		return sql.LevelSerializable
	case "read committed":
		return sql.LevelReadCommitted
	default:
		return sql.LevelDefault
	}
}

func scanRows(rows *sql.Rows) (Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return Result{}, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := *(values[i].(*any))
			row[col] = normalizeValue(v)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return Result{Columns: cols, Rows: results, RowsAffected: int64(len(results))}, nil
}

func mysqlDSN(cfg Config) string {
	if cfg.Port == 0 {
		cfg.Port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "disable" {
		dsn += "&tls=false"
	} else if sslMode != "" {
		dsn += "&tls=true"
	}
	return dsn
}

func postgresDSN(cfg Config) string {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
}

func mssqlDSN(cfg Config) string {
	if cfg.Port == 0 {
		cfg.Port = 1433
	}
	user := url.QueryEscape(cfg.User)
	pass := url.QueryEscape(cfg.Password)
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	encrypt := "true"
	if sslMode == "disable" {
		encrypt = "disable"
	}
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s", user, pass, cfg.Host, cfg.Port, cfg.Database, encrypt)
}
