package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckFunc is a registered health probe. It must be safe to call from
// the engine's timer goroutine.
type CheckFunc func(ctx context.Context) CheckResult

type Engine struct {
	cfg       Config
	log       *slog.Logger
	notifiers []Notifier

	mu         sync.Mutex
	alerts     map[string]*Alert
	alertOrder []string
	events     []SecurityEvent
	services   map[string]ServiceMetrics
	checks     map[string]CheckFunc
	lastChecks map[string]CheckResult

	stop    chan struct{}
	done    chan struct{}
	started bool
}

func NewEngine(cfg Config, log *slog.Logger, notifiers ...Notifier) *Engine {
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = DefaultConfig().RetentionPeriod
	}
	if cfg.Thresholds.SecurityEventsPerHour <= 0 {
		cfg.Thresholds.SecurityEventsPerHour = DefaultConfig().Thresholds.SecurityEventsPerHour
	}
	return &Engine{
		cfg:        cfg,
		log:        log,
		notifiers:  notifiers,
		alerts:     map[string]*Alert{},
		services:   map[string]ServiceMetrics{},
		checks:     map[string]CheckFunc{},
		lastChecks: map[string]CheckResult{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the periodic health check, metrics sampling and
// retention sweep loops.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stop, e.done
	e.mu.Unlock()
	go e.run(stop, done)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop, done := e.stop, e.done
	e.mu.Unlock()
	close(stop)
	<-done
}

// run owns the channels it was launched with; a later Start builds a
// fresh pair, so the loop never observes a reassigned field.
func (e *Engine) run(stop, done chan struct{}) {
	defer close(done)
	healthTicker := time.NewTicker(orDefault(e.cfg.HealthCheckInterval, 30*time.Second))
	metricsTicker := time.NewTicker(orDefault(e.cfg.MetricsInterval, time.Minute))
	sweepTicker := time.NewTicker(time.Hour)
	defer healthTicker.Stop()
	defer metricsTicker.Stop()
	defer sweepTicker.Stop()
	for {
		select {
		case <-healthTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			e.RunHealthChecks(ctx)
			cancel()
		case <-metricsTicker.C:
			e.sampleSystemMetrics()
		case <-sweepTicker.C:
			e.Sweep(time.Now())
		case <-stop:
			return
		}
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// RecordSecurityEvent appends an event to the bounded 24h window and
// raises one high-severity security alert when the trailing hourly rate
// crosses the configured threshold. The alert is not re-raised while a
// previous rate alert remains unresolved.
func (e *Engine) RecordSecurityEvent(eventType string, severity Severity, source string, details map[string]any, riskScore int) SecurityEvent {
	now := time.Now()
	event := SecurityEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  severity,
		Source:    source,
		Timestamp: now,
		Details:   details,
		RiskScore: riskScore,
	}
	e.mu.Lock()
	e.events = append(e.events, event)
	e.pruneEventsLocked(now)
	recent := 0
	cutoff := now.Add(-securityRateWindow)
	for _, evt := range e.events {
		if evt.Timestamp.After(cutoff) {
			recent++
		}
	}
	breach := recent > e.cfg.Thresholds.SecurityEventsPerHour && !e.hasOpenRateAlertLocked()
	e.mu.Unlock()

	if breach {
		e.Raise(AlertSecurity, SeverityHigh, source,
			fmt.Sprintf("security event rate exceeded: %d events in the last hour (threshold %d)", recent, e.cfg.Thresholds.SecurityEventsPerHour))
	}
	return event
}

func (e *Engine) hasOpenRateAlertLocked() bool {
	for _, alert := range e.alerts {
		if alert.Type == AlertSecurity && !alert.Resolved {
			return true
		}
	}
	return false
}

func (e *Engine) pruneEventsLocked(now time.Time) {
	cutoff := now.Add(-securityEventWindow)
	kept := e.events[:0]
	for _, evt := range e.events {
		if evt.Timestamp.After(cutoff) {
			kept = append(kept, evt)
		}
	}
	e.events = kept
}

// RecordPerformanceMetrics updates the rolling record for a service and
// raises alerts for each threshold breached. Deduplication is left to
// consumers.
func (e *Engine) RecordPerformanceMetrics(service string, metrics ServiceMetrics) {
	metrics.Service = service
	metrics.UpdatedAt = time.Now()
	e.mu.Lock()
	e.services[service] = metrics
	t := e.cfg.Thresholds
	e.mu.Unlock()

	if t.ResponseTimeMs > 0 && metrics.AverageResponseTimeMs > t.ResponseTimeMs {
		e.Raise(AlertPerformance, SeverityHigh, service,
			fmt.Sprintf("average response time %.0fms exceeds %.0fms", metrics.AverageResponseTimeMs, t.ResponseTimeMs))
	}
	if t.ErrorRatePercent > 0 && metrics.ErrorRatePercent > t.ErrorRatePercent {
		e.Raise(AlertPerformance, SeverityHigh, service,
			fmt.Sprintf("error rate %.1f%% exceeds %.1f%%", metrics.ErrorRatePercent, t.ErrorRatePercent))
	}
	if t.MemoryUsagePercent > 0 && metrics.MemoryUsagePercent > t.MemoryUsagePercent {
		e.Raise(AlertResource, resourceSeverity(metrics.MemoryUsagePercent), service,
			fmt.Sprintf("memory usage %.1f%% exceeds %.1f%%", metrics.MemoryUsagePercent, t.MemoryUsagePercent))
	}
	if t.CPUUsagePercent > 0 && metrics.CPUUsagePercent > t.CPUUsagePercent {
		e.Raise(AlertResource, resourceSeverity(metrics.CPUUsagePercent), service,
			fmt.Sprintf("cpu usage %.1f%% exceeds %.1f%%", metrics.CPUUsagePercent, t.CPUUsagePercent))
	}
}

func resourceSeverity(usagePercent float64) Severity {
	if usagePercent > 95 {
		return SeverityCritical
	}
	return SeverityMedium
}

// RegisterHealthCheck adds a named probe evaluated on each tick.
func (e *Engine) RegisterHealthCheck(service string, check CheckFunc) {
	e.mu.Lock()
	e.checks[service] = check
	e.mu.Unlock()
}

// RunHealthChecks evaluates every registered probe once. A non-healthy
// result raises a health alert: critical when unhealthy, medium otherwise.
func (e *Engine) RunHealthChecks(ctx context.Context) {
	e.mu.Lock()
	checks := make(map[string]CheckFunc, len(e.checks))
	for name, fn := range e.checks {
		checks[name] = fn
	}
	e.mu.Unlock()

	for service, check := range checks {
		result := check(ctx)
		e.mu.Lock()
		e.lastChecks[service] = result
		e.mu.Unlock()
		if result.Status == StateHealthy {
			continue
		}
		severity := SeverityMedium
		if result.Status == StateUnhealthy {
			severity = SeverityCritical
		}
		detail := result.Detail
		if detail == "" {
			detail = string(result.Status)
		}
		e.Raise(AlertHealth, severity, service, fmt.Sprintf("health check reported %s: %s", result.Status, detail))
	}
}

// Raise opens a new alert, logs it with severity-mapped level and
// notifies observers in registration order. Observer failures are logged
// and never block later observers.
func (e *Engine) Raise(alertType AlertType, severity Severity, service, message string) Alert {
	alert := Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Service:   service,
		CreatedAt: time.Now(),
	}
	e.mu.Lock()
	stored := alert
	e.alerts[alert.ID] = &stored
	e.alertOrder = append(e.alertOrder, alert.ID)
	e.mu.Unlock()

	attrs := []any{
		slog.String("alert_id", alert.ID),
		slog.String("type", string(alertType)),
		slog.String("severity", string(severity)),
		slog.String("service", service),
	}
	switch severity {
	case SeverityCritical, SeverityHigh:
		e.log.Error(message, attrs...)
	case SeverityMedium:
		e.log.Warn(message, attrs...)
	default:
		e.log.Info(message, attrs...)
	}

	for _, notifier := range e.notifiers {
		if err := notifier.Notify(alert); err != nil {
			e.log.Warn("alert delivery failed", slog.String("alert_id", alert.ID), slog.String("error", err.Error()))
		}
	}
	return alert
}

// Acknowledge transitions an open alert to acknowledged. Returns false
// for unknown, already acknowledged, or resolved alerts.
func (e *Engine) Acknowledge(id, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.alerts[id]
	if !ok || alert.Acknowledged || alert.Resolved {
		return false
	}
	alert.Acknowledged = true
	alert.AcknowledgedBy = userID
	alert.AcknowledgedAt = time.Now()
	return true
}

// Resolve closes an alert with a resolution note. Returns false for
// unknown or already resolved alerts.
func (e *Engine) Resolve(id, resolution, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.alerts[id]
	if !ok || alert.Resolved {
		return false
	}
	alert.Resolved = true
	alert.Resolution = resolution
	alert.ResolvedBy = userID
	alert.ResolvedAt = time.Now()
	return true
}

// ActiveAlerts returns unresolved alerts, oldest first.
func (e *Engine) ActiveAlerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := []Alert{}
	for _, id := range e.alertOrder {
		if alert, ok := e.alerts[id]; ok && !alert.Resolved {
			out = append(out, *alert)
		}
	}
	return out
}

// Alerts returns every retained alert, oldest first.
func (e *Engine) Alerts() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.alertOrder))
	for _, id := range e.alertOrder {
		if alert, ok := e.alerts[id]; ok {
			out = append(out, *alert)
		}
	}
	return out
}

// SecurityEvents returns events still inside the retention window.
func (e *Engine) SecurityEvents() []SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SecurityEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Overview aggregates registered check results and alert counts,
// worst-wins. Any unresolved critical alert makes the whole system
// critical.
func (e *Engine) Overview() SystemOverview {
	e.mu.Lock()
	defer e.mu.Unlock()
	overview := SystemOverview{
		Status:      "healthy",
		Services:    make(map[string]CheckResult, len(e.lastChecks)),
		GeneratedAt: time.Now(),
	}
	worst := StateHealthy
	for service, result := range e.lastChecks {
		overview.Services[service] = result
		if stateRank(result.Status) > stateRank(worst) {
			worst = result.Status
		}
	}
	overview.Status = string(worst)
	for _, alert := range e.alerts {
		if alert.Resolved {
			continue
		}
		overview.ActiveAlerts++
		if alert.Severity == SeverityCritical {
			overview.CriticalAlerts++
		}
	}
	if overview.CriticalAlerts > 0 {
		overview.Status = "critical"
	}
	overview.SecurityEvents = len(e.events)
	return overview
}

func stateRank(s HealthState) int {
	switch s {
	case StateUnhealthy:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}

// Sweep purges resolved-or-stale alerts past the retention period and
// security events outside the 24h window.
func (e *Engine) Sweep(now time.Time) (removedAlerts, removedEvents int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := now.Add(-e.cfg.RetentionPeriod)
	keptOrder := e.alertOrder[:0]
	for _, id := range e.alertOrder {
		alert, ok := e.alerts[id]
		if !ok {
			continue
		}
		if alert.CreatedAt.Before(cutoff) {
			delete(e.alerts, id)
			removedAlerts++
			continue
		}
		keptOrder = append(keptOrder, id)
	}
	e.alertOrder = keptOrder

	before := len(e.events)
	e.pruneEventsLocked(now)
	removedEvents = before - len(e.events)
	return removedAlerts, removedEvents
}
