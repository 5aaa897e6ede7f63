// Package orchestrator composes the pool, backup manager and alerting
// engine behind one operations facade.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dbops-platform/internal/alerting"
	"dbops-platform/internal/backup"
	"dbops-platform/internal/pool"
)

var ErrAlreadyInitialized = errors.New("orchestrator already initialized")

type Config struct {
	OptimizeInterval time.Duration
}

type Orchestrator struct {
	pool    *pool.Pool
	backups *backup.Manager
	alerts  *alerting.Engine
	log     *slog.Logger
	cfg     Config

	mu          sync.Mutex
	initialized bool
	stop        chan struct{}
	done        chan struct{}
}

// DatabaseStatus is the combined, worst-wins view over every component.
type DatabaseStatus struct {
	Status    string                  `json:"status"`
	Pool      pool.HealthStatus       `json:"pool"`
	Backups   backup.Statistics       `json:"backups"`
	Alerts    alerting.SystemOverview `json:"alerts"`
	Issues    []string                `json:"issues"`
	CheckedAt time.Time               `json:"checkedAt"`
}

func New(p *pool.Pool, backups *backup.Manager, alerts *alerting.Engine, cfg Config, log *slog.Logger) *Orchestrator {
	return &Orchestrator{pool: p, backups: backups, alerts: alerts, cfg: cfg, log: log}
}

// Initialize verifies database connectivity, registers the pool's health
// check with the alerting engine and starts the periodic loops. Calling
// it on an already-initialized orchestrator fails fast.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.initialized {
		o.mu.Unlock()
		return ErrAlreadyInitialized
	}
	o.initialized = true
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	o.mu.Unlock()

	health := o.pool.Health(ctx)
	if health.Status == pool.StatusUnhealthy {
		o.log.Warn("database reported unhealthy during initialization", slog.Any("issues", health.Issues))
	}

	o.alerts.RegisterHealthCheck("database", func(ctx context.Context) alerting.CheckResult {
		status := o.pool.Health(ctx)
		detail := ""
		if len(status.Issues) > 0 {
			detail = status.Issues[0]
		}
		return alerting.CheckResult{Status: alerting.HealthState(status.Status), Detail: detail}
	})
	o.alerts.Start()

	if o.cfg.OptimizeInterval > 0 {
		go o.optimizeLoop()
	} else {
		close(o.done)
	}
	o.log.Info("orchestrator initialized")
	return nil
}

func (o *Orchestrator) optimizeLoop() {
	defer close(o.done)
	ticker := time.NewTicker(o.cfg.OptimizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			results := o.Optimize(ctx, OptimizeOptions{Components: []string{"connection", "cache"}})
			cancel()
			for _, res := range results {
				if !res.Success {
					o.log.Warn("scheduled optimization failed",
						slog.String("component", res.Component),
						slog.String("error", res.Error))
				}
			}
		case <-o.stop:
			return
		}
	}
}

// Status fans out to every component in parallel and merges worst-wins.
// It never returns an error: a failing component degrades the combined
// status and lands in Issues instead.
func (o *Orchestrator) Status(ctx context.Context) DatabaseStatus {
	status := DatabaseStatus{Issues: []string{}, CheckedAt: time.Now()}
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				mu.Lock()
				status.Issues = append(status.Issues, fmt.Sprintf("pool status failed: %v", rec))
				status.Pool = pool.HealthStatus{Status: pool.StatusUnhealthy}
				mu.Unlock()
			}
		}()
		health := o.pool.Health(groupCtx)
		mu.Lock()
		status.Pool = health
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				mu.Lock()
				status.Issues = append(status.Issues, fmt.Sprintf("backup statistics failed: %v", rec))
				mu.Unlock()
			}
		}()
		stats := o.backups.Statistics()
		mu.Lock()
		status.Backups = stats
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		defer func() {
			if rec := recover(); rec != nil {
				mu.Lock()
				status.Issues = append(status.Issues, fmt.Sprintf("alert overview failed: %v", rec))
				mu.Unlock()
			}
		}()
		overview := o.alerts.Overview()
		mu.Lock()
		status.Alerts = overview
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	status.Issues = append(status.Issues, status.Pool.Issues...)
	status.Status = combineStatus(string(status.Pool.Status), status.Alerts.Status, len(status.Issues))
	return status
}

// combineStatus merges component statuses worst-wins. Unknown strings
// count as unhealthy so a partial outage can never read as healthy.
func combineStatus(poolStatus, alertStatus string, issueCount int) string {
	rank := func(s string) int {
		switch s {
		case "healthy", "":
			return 0
		case "degraded":
			return 1
		case "unhealthy":
			return 2
		case "critical":
			return 3
		default:
			return 2
		}
	}
	worst := poolStatus
	if rank(alertStatus) > rank(worst) {
		worst = alertStatus
	}
	if worst == "" || (worst == "healthy" && issueCount > 0) {
		worst = "degraded"
	}
	if worst == "" {
		worst = "healthy"
	}
	return worst
}

// Shutdown stops the periodic loops, the alerting engine and the pool.
// Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	stop := o.stop
	done := o.done
	o.mu.Unlock()

	close(stop)
	<-done
	o.alerts.Stop()
	err := o.pool.Shutdown(ctx)
	o.log.Info("orchestrator shut down")
	return err
}
