package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type ConnectionCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
	Max    int `json:"max"`
}

// HealthStatus is an immutable snapshot; a new one replaces the old on
// every check.
type HealthStatus struct {
	Status          Status           `json:"status"`
	ResponseTimeMs  float64          `json:"responseTimeMs"`
	Connections     ConnectionCounts `json:"connections"`
	PoolUtilization float64          `json:"poolUtilization"`
	SlowQueryRatio  float64          `json:"slowQueryRatio"`
	RecentErrors    int              `json:"recentErrors"`
	Issues          []string         `json:"issues"`
	LastChecked     time.Time        `json:"lastChecked"`
}

// Health probes the database and scores the pool. Worst wins: probe
// failure or a burst of failed queries is unhealthy; saturation, slow
// queries, probe latency past the bound and recent dial errors are
// degraded.
func (p *Pool) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:      StatusHealthy,
		Issues:      []string{},
		LastChecked: time.Now(),
	}

	probeStart := time.Now()
	probeErr := p.probe(ctx)
	probeLatency := time.Since(probeStart)
	status.ResponseTimeMs = float64(probeLatency.Microseconds()) / 1000.0

	p.mu.Lock()
	status.Connections = ConnectionCounts{
		Total:  p.numOpen,
		Active: p.active,
		Idle:   len(p.idle),
		Max:    p.cfg.MaxConnections,
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		status.Status = StatusUnhealthy
		status.Issues = append(status.Issues, "pool is shut down")
		return status
	}
	if status.Connections.Total > 0 {
		status.PoolUtilization = float64(status.Connections.Active) / float64(status.Connections.Total)
	}
	status.SlowQueryRatio = p.metrics.SlowRatio(100)
	status.RecentErrors = p.metrics.RecentFailures(10)

	if probeErr != nil {
		status.Status = StatusUnhealthy
		status.Issues = append(status.Issues, fmt.Sprintf("health probe failed: %v", probeErr))
	}
	if status.RecentErrors > 5 {
		status.Status = StatusUnhealthy
		status.Issues = append(status.Issues, fmt.Sprintf("%d of the last 10 queries failed", status.RecentErrors))
	}
	if status.Status == StatusUnhealthy {
		return status
	}
	if status.PoolUtilization > 0.9 {
		status.Status = StatusDegraded
		status.Issues = append(status.Issues, fmt.Sprintf("pool utilization at %.0f%%", status.PoolUtilization*100))
	}
	if status.SlowQueryRatio > 0.2 {
		status.Status = StatusDegraded
		status.Issues = append(status.Issues, fmt.Sprintf("slow query ratio at %.0f%% over the last 100 queries", status.SlowQueryRatio*100))
	}
	if errs := p.metrics.ErrorsIn(time.Minute, 100); errs > 3 {
		status.Status = StatusDegraded
		status.Issues = append(status.Issues, fmt.Sprintf("%d connection errors in the last minute", errs))
	}
	if probeLatency > p.cfg.ProbeLatencyBound {
		status.Status = StatusDegraded
		status.Issues = append(status.Issues, fmt.Sprintf("probe latency %s exceeds %s", probeLatency, p.cfg.ProbeLatencyBound))
	}
	return status
}

// LastHealth returns the snapshot taken by the most recent periodic
// check, or a zero-value snapshot before the first tick.
func (p *Pool) LastHealth() HealthStatus {
	p.lastHealthMu.RLock()
	defer p.lastHealthMu.RUnlock()
	return p.lastHealth
}

// probe borrows a connection and runs the cheap health query. Probe
// traffic does not enter the query metric ring.
func (p *Pool) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	pc, err := p.acquire(probeCtx, 100)
	if err != nil {
		return err
	}
	_, execErr := pc.conn.Exec(probeCtx, p.cfg.HealthCheckQuery)
	p.release(pc, execErr != nil)
	return execErr
}

func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pruneIdle()
			status := p.Health(context.Background())
			p.lastHealthMu.Lock()
			p.lastHealth = status
			p.lastHealthMu.Unlock()
			if status.Status != StatusHealthy {
				p.log.Warn("pool health check",
					slog.String("status", string(status.Status)),
					slog.Any("issues", status.Issues))
			}
		case <-p.stopHealth:
			return
		}
	}
}

// pruneIdle closes idle connections past the idle timeout, keeping the
// configured minimum open.
func (p *Pool) pruneIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var stale []*pooledConn
	p.mu.Lock()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) && p.numOpen > p.cfg.MinConnections {
			stale = append(stale, pc)
			p.numOpen--
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.mu.Unlock()
	for _, pc := range stale {
		_ = pc.conn.Close()
	}
}
