// Package pool implements a bounded connection pool over an injected
// database driver. It owns every connection it opens, queues callers in
// FIFO order when at capacity, and records per-query telemetry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dbops-platform/internal/driver"
	"dbops-platform/internal/telemetry"
)

// reorderDepth caps how far a high-priority waiter may jump the queue.
// Everything past this depth is served strictly FIFO, so low-priority
// callers cannot starve.
const reorderDepth = 8

type Pool struct {
	cfg     Config
	drv     driver.Driver
	log     *slog.Logger
	metrics *telemetry.Recorder

	mu      sync.Mutex
	idle    []*pooledConn
	numOpen int // active + idle + reserved dials
	active  int
	waiters []*waiter
	closed  bool

	inflight sync.WaitGroup

	stopHealth chan struct{}
	healthDone chan struct{}

	lastHealth   HealthStatus
	lastHealthMu sync.RWMutex
}

type pooledConn struct {
	id        string
	conn      driver.Conn
	createdAt time.Time
	lastUsed  time.Time
}

type waiter struct {
	ch       chan acquireResult
	priority int
}

type acquireResult struct {
	pc  *pooledConn
	err error
}

type QueryOptions struct {
	Timeout  time.Duration
	Retries  int
	Priority int
}

type QueryResult struct {
	Rows          []map[string]any
	Columns       []string
	RowCount      int
	RowsAffected  int64
	ExecutionTime time.Duration
}

type Stats struct {
	Open    int
	Active  int
	Idle    int
	Waiting int
	Max     int
	Queries telemetry.Stats
}

// New validates the configuration, opens the minimum number of
// connections, and starts the background health checker.
func New(ctx context.Context, cfg Config, drv driver.Driver, log *slog.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:        cfg,
		drv:        drv,
		log:        log,
		metrics:    telemetry.NewRecorder(cfg.SlowQueryThreshold),
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}
	for i := 0; i < cfg.MinConnections; i++ {
		pc, err := p.dial(ctx)
		if err != nil {
			p.closeIdle()
			return nil, &ConnectionError{Err: err}
		}
		p.mu.Lock()
		p.numOpen++
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	if cfg.HealthCheckInterval > 0 {
		go p.healthLoop()
	} else {
		close(p.healthDone)
	}
	p.log.Info("connection pool started",
		slog.String("driver", drv.Name()),
		slog.Int("min", cfg.MinConnections),
		slog.Int("max", cfg.MaxConnections))
	return p, nil
}

// Metrics exposes the pool's telemetry recorder.
func (p *Pool) Metrics() *telemetry.Recorder { return p.metrics }

// Query acquires a connection, executes one statement and releases the
// connection in all cases. Transient failures are retried up to
// opts.Retries additional times; every attempt records its own metric so
// timing stays observable.
func (p *Pool) Query(ctx context.Context, text string, args []any, opts QueryOptions) (QueryResult, error) {
	attempts := opts.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := p.queryOnce(ctx, text, args, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return QueryResult{}, lastErr
}

func (p *Pool) queryOnce(ctx context.Context, text string, args []any, opts QueryOptions) (_ QueryResult, err error) {
	pc, err := p.acquire(ctx, opts.Priority)
	if err != nil {
		return QueryResult{}, err
	}
	p.inflight.Add(1)
	defer p.inflight.Done()

	execCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	released := false
	defer func() {
		if rec := recover(); rec != nil {
			if !released {
				p.release(pc, true)
			}
			panic(rec)
		}
	}()

	start := time.Now()
	res, execErr := pc.conn.Exec(execCtx, text, args...)
	elapsed := time.Since(start)

	metric := telemetry.QueryMetric{
		Query:           text,
		ExecutionTimeMs: float64(elapsed.Microseconds()) / 1000.0,
		RowsAffected:    res.RowsAffected,
		Timestamp:       time.Now(),
		ConnectionID:    pc.id,
		Success:         execErr == nil,
	}
	if execErr != nil {
		metric.Error = execErr.Error()
	}
	p.metrics.Record(metric)

	if execErr != nil {
		// A cancelled statement may still be live server-side; the
		// connection cannot be trusted back into the idle set.
		timedOut := errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execErr, context.Canceled)
		p.release(pc, timedOut)
		released = true
		if timedOut {
			if opts.Timeout > 0 && ctx.Err() == nil {
				return QueryResult{}, fmt.Errorf("%w after %s", ErrQueryTimeout, opts.Timeout)
			}
			return QueryResult{}, fmt.Errorf("%w: %v", ErrQueryTimeout, execErr)
		}
		return QueryResult{}, execErr
	}
	p.release(pc, false)
	released = true
	return QueryResult{
		Rows:          res.Rows,
		Columns:       res.Columns,
		RowCount:      len(res.Rows),
		RowsAffected:  res.RowsAffected,
		ExecutionTime: elapsed,
	}, nil
}

// acquire hands out an idle connection, dials a new one when below max,
// or queues the caller until one frees or the acquire timeout elapses.
func (p *Pool) acquire(ctx context.Context, priority int) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active++
		p.mu.Unlock()
		return pc, nil
	}
	if p.numOpen < p.cfg.MaxConnections {
		p.numOpen++
		p.active++
		p.mu.Unlock()
		pc, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.active--
			p.mu.Unlock()
			p.metrics.RecordError(time.Now())
			return nil, &ConnectionError{Err: err}
		}
		return pc, nil
	}
	w := &waiter{ch: make(chan acquireResult, 1), priority: priority}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case res := <-w.ch:
		return res.pc, res.err
	case <-timer.C:
		if p.removeWaiter(w) {
			return nil, fmt.Errorf("%w: no connection became available within %s", ErrPoolExhausted, p.cfg.AcquireTimeout)
		}
		// Delivery raced with the timeout; the result is ours to consume.
		res := <-w.ch
		return res.pc, res.err
	case <-ctx.Done():
		if p.removeWaiter(w) {
			return nil, fmt.Errorf("acquire cancelled: %w", ctx.Err())
		}
		res := <-w.ch
		if res.err == nil && res.pc != nil {
			p.release(res.pc, false)
		}
		return nil, fmt.Errorf("acquire cancelled: %w", ctx.Err())
	}
}

// release returns a connection to the pool. A broken connection is closed
// and, when callers are waiting or the pool would drop below minimum, a
// replacement is dialed.
func (p *Pool) release(pc *pooledConn, broken bool) {
	pc.lastUsed = time.Now()
	p.mu.Lock()
	p.active--
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}
	if broken {
		w := p.dequeueLocked()
		if w != nil {
			// Keep numOpen reserved for the replacement dial.
			p.mu.Unlock()
			_ = pc.conn.Close()
			go p.dialForWaiter(w)
			return
		}
		p.numOpen--
		p.mu.Unlock()
		_ = pc.conn.Close()
		go p.ensureMin()
		return
	}
	if w := p.dequeueLocked(); w != nil {
		p.active++
		p.mu.Unlock()
		w.ch <- acquireResult{pc: pc}
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	conn, err := p.drv.Connect(dialCtx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pooledConn{id: uuid.NewString(), conn: conn, createdAt: now, lastUsed: now}, nil
}

func (p *Pool) dialForWaiter(w *waiter) {
	pc, err := p.dial(context.Background())
	if err != nil {
		p.mu.Lock()
		p.numOpen--
		p.mu.Unlock()
		p.metrics.RecordError(time.Now())
		w.ch <- acquireResult{err: &ConnectionError{Err: err}}
		return
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	w.ch <- acquireResult{pc: pc}
}

// ensureMin restores the configured minimum of open connections.
func (p *Pool) ensureMin() {
	for {
		p.mu.Lock()
		if p.closed || p.numOpen >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.numOpen++
		p.mu.Unlock()
		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.numOpen--
			p.mu.Unlock()
			p.metrics.RecordError(time.Now())
			p.log.Warn("failed to replenish pool connection", slog.String("error", err.Error()))
			return
		}
		p.mu.Lock()
		if p.closed {
			p.numOpen--
			p.mu.Unlock()
			_ = pc.conn.Close()
			return
		}
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
}

// dequeueLocked pops the next waiter, letting priority jump at most
// reorderDepth positions. Must be called with p.mu held.
func (p *Pool) dequeueLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	window := len(p.waiters)
	if window > reorderDepth {
		window = reorderDepth
	}
	best := 0
	for i := 1; i < window; i++ {
		if p.waiters[i].priority > p.waiters[best].priority {
			best = i
		}
	}
	w := p.waiters[best]
	p.waiters = append(p.waiters[:best], p.waiters[best+1:]...)
	return w
}

func (p *Pool) removeWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	stats := Stats{
		Open:    p.numOpen,
		Active:  p.active,
		Idle:    len(p.idle),
		Waiting: len(p.waiters),
		Max:     p.cfg.MaxConnections,
	}
	p.mu.Unlock()
	stats.Queries = p.metrics.Snapshot()
	return stats
}

// Shutdown stops the health checker, waits for in-flight work up to the
// grace period, and closes every connection. Safe to call twice.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- acquireResult{err: ErrPoolClosed}
	}

	close(p.stopHealth)
	<-p.healthDone

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	grace := p.cfg.ShutdownGrace
	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("shutdown grace period elapsed with queries in flight", slog.Duration("grace", grace))
	case <-ctx.Done():
	}

	p.closeIdle()
	p.log.Info("connection pool shut down")
	return nil
}

func (p *Pool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.mu.Unlock()
	for _, pc := range idle {
		_ = pc.conn.Close()
	}
}
