package pool

import (
	"context"
	"fmt"
	"time"

	"dbops-platform/internal/driver"
	"dbops-platform/internal/telemetry"
)

type TxOptions struct {
	Isolation  string
	ReadOnly   bool
	Deferrable bool
	Priority   int
}

// Tx runs statements on the single connection held for the transaction.
// It must not be used after the closure returns.
type Tx struct {
	pool *Pool
	pc   *pooledConn
	done bool
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	if t.done {
		return driver.Result{}, fmt.Errorf("transaction already finished")
	}
	start := time.Now()
	res, err := t.pc.conn.Exec(ctx, query, args...)
	elapsed := time.Since(start)
	metric := telemetry.QueryMetric{
		Query:           query,
		ExecutionTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		RowsAffected:    res.RowsAffected,
		Timestamp:       time.Now(),
		ConnectionID:    t.pc.id,
		Success:         err == nil,
	}
	if err != nil {
		metric.Error = err.Error()
	}
	t.pool.metrics.Record(metric)
	return res, err
}

// Transaction acquires one connection for the whole closure, applies the
// isolation directives before fn runs, commits on success and rolls back
// on error or panic. The connection is released exactly once in every
// outcome. Nested transactions are not supported.
func (p *Pool) Transaction(ctx context.Context, opts TxOptions, fn func(tx *Tx) error) error {
	pc, err := p.acquire(ctx, opts.Priority)
	if err != nil {
		return err
	}
	p.inflight.Add(1)
	defer p.inflight.Done()

	if err := pc.conn.Begin(ctx, driver.TxOptions{
		Isolation:  opts.Isolation,
		ReadOnly:   opts.ReadOnly,
		Deferrable: opts.Deferrable,
	}); err != nil {
		p.release(pc, true)
		return &ConnectionError{Err: err}
	}

	tx := &Tx{pool: p, pc: pc}
	released := false
	defer func() {
		if rec := recover(); rec != nil {
			tx.done = true
			_ = pc.conn.Rollback(ctx)
			if !released {
				p.release(pc, true)
			}
			panic(rec)
		}
	}()

	if err := fn(tx); err != nil {
		tx.done = true
		rbErr := pc.conn.Rollback(ctx)
		p.release(pc, rbErr != nil)
		released = true
		if rbErr != nil {
			return fmt.Errorf("%w: %v (rollback failed: %v)", ErrTxAborted, err, rbErr)
		}
		return fmt.Errorf("%w: %v", ErrTxAborted, err)
	}
	tx.done = true
	if err := pc.conn.Commit(ctx); err != nil {
		p.release(pc, true)
		released = true
		return fmt.Errorf("%w: commit failed: %v", ErrTxAborted, err)
	}
	p.release(pc, false)
	released = true
	return nil
}
