package driver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MemDriver is an in-memory stand-in for a real database engine. It
// understands the catalog query, plain SELECT * reads and generated
// INSERTs, and lets tests inject latency and scripted failures.
type MemDriver struct {
	mu         sync.Mutex
	tables     map[string]*memTable
	order      []string
	statements []string
	open       int

	// Latency delays every Exec, honoring context cancellation.
	Latency time.Duration
	// ConnectErr fails Connect when set.
	ConnectErr error
	// PingErr fails Ping when set.
	PingErr error
	// ExecHook intercepts statements before built-in handling. Returning
	// handled=false falls through to the default behavior.
	ExecHook func(query string, args []any) (res Result, handled bool, err error)
}

type memTable struct {
	columns []string
	rows    []map[string]any
}

func NewMemDriver() *MemDriver {
	return &MemDriver{tables: map[string]*memTable{}}
}

func (d *MemDriver) Name() string { return "memory" }

// SetTable installs or replaces a table fixture.
func (d *MemDriver) SetTable(name string, columns []string, rows []map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tables[name]; !exists {
		d.order = append(d.order, name)
	}
	copied := make([]map[string]any, len(rows))
	for i, row := range rows {
		dup := make(map[string]any, len(row))
		for k, v := range row {
			dup[k] = v
		}
		copied[i] = dup
	}
	d.tables[name] = &memTable{columns: columns, rows: copied}
}

// Rows returns a copy of the current rows of a table.
func (d *MemDriver) Rows(name string) []map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.tables[name]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(table.rows))
	copy(out, table.rows)
	return out
}

// Statements returns every statement executed so far, in order.
func (d *MemDriver) Statements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.statements))
	copy(out, d.statements)
	return out
}

// OpenConns reports the number of currently open connections.
func (d *MemDriver) OpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *MemDriver) Connect(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	d.open++
	return &memConn{driver: d}, nil
}

func (d *MemDriver) Close() error { return nil }

type memConn struct {
	driver *MemDriver
	closed bool
	inTx   bool
}

var insertPattern = regexp.MustCompile(`(?i)^INSERT INTO "?([A-Za-z_][A-Za-z0-9_]*)"?\s*\(([^)]*)\)`)

func (c *memConn) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	if c.closed {
		return Result{}, fmt.Errorf("connection is closed")
	}
	d := c.driver
	if d.Latency > 0 {
		timer := time.NewTimer(d.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if hook := d.ExecHook; hook != nil {
		if res, handled, err := hook(query, args); handled {
			d.record(query)
			return res, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statements = append(d.statements, query)
	head := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.Contains(query, "information_schema.tables"):
		rows := make([]map[string]any, 0, len(d.order))
		for _, name := range d.order {
			rows = append(rows, map[string]any{"table_name": name})
		}
		return Result{Columns: []string{"table_name"}, Rows: rows, RowsAffected: int64(len(rows))}, nil
	case strings.HasPrefix(head, "SELECT * FROM"):
		name := tableFromSelect(query)
		table, ok := d.tables[name]
		if !ok {
			return Result{}, fmt.Errorf("relation %q does not exist", name)
		}
		rows := make([]map[string]any, len(table.rows))
		copy(rows, table.rows)
		return Result{Columns: table.columns, Rows: rows, RowsAffected: int64(len(rows))}, nil
	case strings.HasPrefix(head, "SELECT 1"):
		return Result{Columns: []string{"?column?"}, Rows: []map[string]any{{"?column?": int64(1)}}, RowsAffected: 1}, nil
	case strings.HasPrefix(head, "INSERT INTO"):
		match := insertPattern.FindStringSubmatch(strings.TrimSpace(query))
		if match == nil {
			return Result{}, fmt.Errorf("malformed insert statement")
		}
		name := match[1]
		table, ok := d.tables[name]
		if !ok {
			return Result{}, fmt.Errorf("relation %q does not exist", name)
		}
		columns := splitColumns(match[2])
		if len(columns) != len(args) {
			return Result{}, fmt.Errorf("insert into %q: %d columns, %d values", name, len(columns), len(args))
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = args[i]
		}
		table.rows = append(table.rows, row)
		return Result{Rows: []map[string]any{}, RowsAffected: 1}, nil
	default:
		return Result{Rows: []map[string]any{}}, nil
	}
}

func (c *memConn) Begin(ctx context.Context, opts TxOptions) error {
	if c.inTx {
		return fmt.Errorf("transaction already open")
	}
	c.inTx = true
	c.driver.record("BEGIN")
	return nil
}

func (c *memConn) Commit(ctx context.Context) error {
	if !c.inTx {
		return fmt.Errorf("no open transaction")
	}
	c.inTx = false
	c.driver.record("COMMIT")
	return nil
}

func (c *memConn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return nil
	}
	c.inTx = false
	c.driver.record("ROLLBACK")
	return nil
}

func (c *memConn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.driver.PingErr
}

func (c *memConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.driver.mu.Lock()
	c.driver.open--
	c.driver.mu.Unlock()
	return nil
}

func (d *MemDriver) record(stmt string) {
	d.mu.Lock()
	d.statements = append(d.statements, stmt)
	d.mu.Unlock()
}

func tableFromSelect(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		if strings.EqualFold(f, "FROM") && i+1 < len(fields) {
			return strings.Trim(fields[i+1], `"`)
		}
	}
	return ""
}

func splitColumns(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		name := strings.Trim(strings.TrimSpace(part), `"`)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
