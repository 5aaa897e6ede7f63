package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dbops-platform/internal/driver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, cfg Config, drv *driver.MemDriver) *Pool {
	t.Helper()
	p, err := New(context.Background(), cfg, drv, testLogger())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestQueryReturnsRows(t *testing.T) {
	drv := driver.NewMemDriver()
	drv.SetTable("users", []string{"id", "name"}, []map[string]any{
		{"id": int64(1), "name": "ada"},
		{"id": int64(2), "name": "grace"},
	})
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 2, AcquireTimeout: time.Second}, drv)

	res, err := p.Query(context.Background(), `SELECT * FROM "users"`, nil, QueryOptions{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", res.RowCount)
	}
	stats := p.Stats()
	if stats.Queries.TotalQueries != 1 {
		t.Fatalf("expected 1 recorded query, got %d", stats.Queries.TotalQueries)
	}
	if stats.Open > stats.Max {
		t.Fatalf("open connections %d exceed max %d", stats.Open, stats.Max)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	drv := driver.NewMemDriver()
	_, err := New(context.Background(), Config{MinConnections: 5, MaxConnections: 2, AcquireTimeout: time.Second}, drv, testLogger())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	_, err = New(context.Background(), Config{MaxConnections: 0, AcquireTimeout: time.Second}, drv, testLogger())
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

// Three callers against a pool capped at two connections: two are served,
// the third times out waiting, and the cap is never exceeded.
func TestSaturationExhaustsThirdCaller(t *testing.T) {
	drv := driver.NewMemDriver()
	drv.Latency = 150 * time.Millisecond
	p := newTestPool(t, Config{
		MinConnections: 1,
		MaxConnections: 2,
		AcquireTimeout: 40 * time.Millisecond,
	}, drv)

	var wg sync.WaitGroup
	var exhausted, succeeded atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrPoolExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 2 {
		t.Fatalf("expected 2 successful queries, got %d", got)
	}
	if got := exhausted.Load(); got != 1 {
		t.Fatalf("expected exactly 1 pool exhausted error, got %d", got)
	}
	if open := drv.OpenConns(); open > 2 {
		t.Fatalf("driver saw %d open connections, cap is 2", open)
	}
}

func TestQueryTimeoutDiscardsConnection(t *testing.T) {
	drv := driver.NewMemDriver()
	drv.Latency = 200 * time.Millisecond
	p := newTestPool(t, Config{
		MinConnections: 1,
		MaxConnections: 2,
		AcquireTimeout: time.Second,
	}, drv)

	_, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{Timeout: 20 * time.Millisecond})
	if !errors.Is(err, ErrQueryTimeout) {
		t.Fatalf("expected ErrQueryTimeout, got %v", err)
	}

	drv.Latency = 0
	if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{}); err != nil {
		t.Fatalf("pool should recover after a timed-out statement: %v", err)
	}
	stats := p.Stats()
	if stats.Queries.FailedQueries != 1 {
		t.Fatalf("expected 1 failed query metric, got %d", stats.Queries.FailedQueries)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	drv := driver.NewMemDriver()
	var calls atomic.Int32
	drv.ExecHook = func(query string, args []any) (driver.Result, bool, error) {
		if calls.Add(1) == 1 {
			return driver.Result{}, true, context.DeadlineExceeded
		}
		return driver.Result{}, false, nil
	}
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 2, AcquireTimeout: time.Second}, drv)

	if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{Retries: 1}); err != nil {
		t.Fatalf("retry should have succeeded: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestNonTransientErrorsAreNotRetried(t *testing.T) {
	drv := driver.NewMemDriver()
	var calls atomic.Int32
	scripted := errors.New("syntax error")
	drv.ExecHook = func(query string, args []any) (driver.Result, bool, error) {
		calls.Add(1)
		return driver.Result{}, true, scripted
	}
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 2, AcquireTimeout: time.Second}, drv)

	if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{Retries: 3}); !errors.Is(err, scripted) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("non-transient errors must not retry, got %d attempts", got)
	}
}

func TestTransactionCommit(t *testing.T) {
	drv := driver.NewMemDriver()
	drv.SetTable("events", []string{"id", "kind"}, nil)
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 2, AcquireTimeout: time.Second}, drv)

	err := p.Transaction(context.Background(), TxOptions{Isolation: "serializable"}, func(tx *Tx) error {
		_, err := tx.Exec(context.Background(), `INSERT INTO "events" ("id", "kind") VALUES ($1, $2)`, int64(1), "login")
		return err
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if rows := drv.Rows("events"); len(rows) != 1 {
		t.Fatalf("expected committed row, got %d rows", len(rows))
	}
	stmts := drv.Statements()
	sawBegin, sawCommit := false, false
	for _, s := range stmts {
		if s == "BEGIN" {
			sawBegin = true
		}
		if s == "COMMIT" {
			sawCommit = true
		}
	}
	if !sawBegin || !sawCommit {
		t.Fatalf("expected BEGIN and COMMIT, got %v", stmts)
	}
}

func TestTransactionRollbackOnError(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 1, AcquireTimeout: time.Second}, drv)

	boom := errors.New("boom")
	err := p.Transaction(context.Background(), TxOptions{}, func(tx *Tx) error {
		return boom
	})
	if !errors.Is(err, ErrTxAborted) {
		t.Fatalf("expected ErrTxAborted, got %v", err)
	}
	stmts := drv.Statements()
	sawRollback := false
	for _, s := range stmts {
		if s == "ROLLBACK" {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatalf("expected ROLLBACK, got %v", stmts)
	}
	// The single connection must come back.
	if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{}); err != nil {
		t.Fatalf("connection leaked after rollback: %v", err)
	}
}

func TestTransactionPanicReleasesConnection(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 500 * time.Millisecond}, drv)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = p.Transaction(context.Background(), TxOptions{}, func(tx *Tx) error {
			panic("handler bug")
		})
	}()

	if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{}); err != nil {
		t.Fatalf("connection leaked after panic: %v", err)
	}
}

func TestHighPriorityWaiterServedFirst(t *testing.T) {
	drv := driver.NewMemDriver()
	drv.Latency = 100 * time.Millisecond
	p := newTestPool(t, Config{
		MinConnections: 1,
		MaxConnections: 1,
		AcquireTimeout: 2 * time.Second,
	}, drv)

	var mu sync.Mutex
	var order []string
	run := func(label string, priority int) {
		if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{Priority: priority}); err != nil {
			t.Errorf("%s query failed: %v", label, err)
			return
		}
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); run("first", 0) }()
	time.Sleep(20 * time.Millisecond)
	go func() { defer wg.Done(); run("low", 0) }()
	time.Sleep(20 * time.Millisecond)
	go func() { defer wg.Done(); run("high", 10) }()
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(order))
	}
	if order[1] != "high" {
		t.Fatalf("high-priority waiter should run before the earlier low-priority one, order was %v", order)
	}
}

func TestHealthStates(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{MinConnections: 1, MaxConnections: 2, AcquireTimeout: time.Second}, drv)

	health := p.Health(context.Background())
	if health.Status != StatusHealthy {
		t.Fatalf("expected healthy pool, got %s (%v)", health.Status, health.Issues)
	}

	scripted := errors.New("relation gone")
	drv.ExecHook = func(query string, args []any) (driver.Result, bool, error) {
		if query == "FAIL" {
			return driver.Result{}, true, scripted
		}
		return driver.Result{}, false, nil
	}
	for i := 0; i < 6; i++ {
		_, _ = p.Query(context.Background(), "FAIL", nil, QueryOptions{})
	}
	health = p.Health(context.Background())
	if health.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after failure burst, got %s (%v)", health.Status, health.Issues)
	}
}

func TestHealthUnhealthyWhenProbeFails(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{
		MinConnections:   1,
		MaxConnections:   2,
		AcquireTimeout:   time.Second,
		HealthCheckQuery: "PROBE",
	}, drv)
	scripted := errors.New("server gone away")
	drv.ExecHook = func(query string, args []any) (driver.Result, bool, error) {
		if query == "PROBE" {
			return driver.Result{}, true, scripted
		}
		return driver.Result{}, false, nil
	}
	health := p.Health(context.Background())
	if health.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy on probe failure, got %s", health.Status)
	}
	// Probe traffic stays out of the query metrics.
	if total := p.Stats().Queries.TotalQueries; total != 0 {
		t.Fatalf("probe queries must not be recorded, got %d metrics", total)
	}
}

// A burst of slow statements should degrade the pool without marking it
// unhealthy: the queries still succeed, they are just over the threshold.
func TestHealthDegradedOnSlowQueries(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{
		MinConnections:     1,
		MaxConnections:     2,
		AcquireTimeout:     time.Second,
		SlowQueryThreshold: 50 * time.Millisecond,
	}, drv)

	drv.Latency = 80 * time.Millisecond
	for i := 0; i < 3; i++ {
		if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{}); err != nil {
			t.Fatalf("slow query failed: %v", err)
		}
	}
	drv.Latency = 0
	for i := 0; i < 7; i++ {
		if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{}); err != nil {
			t.Fatalf("fast query failed: %v", err)
		}
	}

	health := p.Health(context.Background())
	if health.Status != StatusDegraded {
		t.Fatalf("expected degraded pool, got %s (%v)", health.Status, health.Issues)
	}
	if health.SlowQueryRatio <= 0.2 {
		t.Fatalf("expected slow ratio above 0.2, got %.2f", health.SlowQueryRatio)
	}
	found := false
	for _, issue := range health.Issues {
		if strings.Contains(issue, "slow query ratio") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a slow query issue, got %v", health.Issues)
	}
}

func TestHealthDegradedOnProbeLatency(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{
		MinConnections:    1,
		MaxConnections:    2,
		AcquireTimeout:    time.Second,
		ProbeLatencyBound: time.Nanosecond,
	}, drv)

	health := p.Health(context.Background())
	if health.Status != StatusDegraded {
		t.Fatalf("expected degraded pool, got %s (%v)", health.Status, health.Issues)
	}
	found := false
	for _, issue := range health.Issues {
		if strings.Contains(issue, "probe latency") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a probe latency issue, got %v", health.Issues)
	}
}

// Dial failures degrade the pool once four of them land inside a minute,
// even after connectivity comes back for the probe itself.
func TestHealthDegradedOnConnectionErrors(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{
		MinConnections: 0,
		MaxConnections: 2,
		AcquireTimeout: time.Second,
	}, drv)

	drv.ConnectErr = errors.New("connection refused")
	for i := 0; i < 4; i++ {
		if _, err := p.Query(context.Background(), "SELECT 1", nil, QueryOptions{}); err == nil {
			t.Fatal("expected query to fail while dialing is broken")
		}
	}
	drv.ConnectErr = nil

	health := p.Health(context.Background())
	if health.Status != StatusDegraded {
		t.Fatalf("expected degraded pool, got %s (%v)", health.Status, health.Issues)
	}
	found := false
	for _, issue := range health.Issues {
		if strings.Contains(issue, "connection errors") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a connection error issue, got %v", health.Issues)
	}
}

func TestHealthLoopStoresSnapshot(t *testing.T) {
	drv := driver.NewMemDriver()
	p := newTestPool(t, Config{
		MinConnections:      1,
		MaxConnections:      2,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
	}, drv)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !p.LastHealth().LastChecked.IsZero() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	last := p.LastHealth()
	if last.LastChecked.IsZero() {
		t.Fatal("periodic checker never stored a snapshot")
	}
	if last.Status != StatusHealthy {
		t.Fatalf("expected healthy snapshot, got %s (%v)", last.Status, last.Issues)
	}
}

func TestShutdownIdempotentAndClosesConnections(t *testing.T) {
	drv := driver.NewMemDriver()
	p, err := New(context.Background(), Config{MinConnections: 2, MaxConnections: 4, AcquireTimeout: time.Second}, drv, testLogger())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	ctx := context.Background()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown should be a no-op, got %v", err)
	}
	if open := drv.OpenConns(); open != 0 {
		t.Fatalf("expected all connections closed, %d still open", open)
	}
	if _, err := p.Query(ctx, "SELECT 1", nil, QueryOptions{}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
