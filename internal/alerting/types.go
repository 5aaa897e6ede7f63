// Package alerting evaluates telemetry and security events against
// threshold policies and manages the alert lifecycle.
package alerting

import (
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type AlertType string

const (
	AlertSecurity    AlertType = "security"
	AlertPerformance AlertType = "performance"
	AlertResource    AlertType = "resource"
	AlertHealth      AlertType = "health"
)

// Alert follows the lifecycle open -> acknowledged -> resolved. A
// resolved alert is immutable and is purged after the retention window.
type Alert struct {
	ID             string    `json:"id"`
	Type           AlertType `json:"type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Service        string    `json:"service"`
	CreatedAt      time.Time `json:"createdAt"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedBy string    `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledgedAt,omitempty"`
	Resolved       bool      `json:"resolved"`
	Resolution     string    `json:"resolution,omitempty"`
	ResolvedBy     string    `json:"resolvedBy,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt,omitempty"`
}

type SecurityEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	RiskScore int            `json:"riskScore"`
}

type ServiceMetrics struct {
	Service               string    `json:"service"`
	AverageResponseTimeMs float64   `json:"averageResponseTimeMs"`
	ErrorRatePercent      float64   `json:"errorRatePercent"`
	MemoryUsagePercent    float64   `json:"memoryUsagePercent"`
	CPUUsagePercent       float64   `json:"cpuUsagePercent"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

type HealthState string

const (
	StateHealthy   HealthState = "healthy"
	StateDegraded  HealthState = "degraded"
	StateUnhealthy HealthState = "unhealthy"
)

type CheckResult struct {
	Status HealthState `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

type Thresholds struct {
	ResponseTimeMs        float64
	ErrorRatePercent      float64
	MemoryUsagePercent    float64
	CPUUsagePercent       float64
	SecurityEventsPerHour int
}

type Config struct {
	MetricsInterval     time.Duration
	HealthCheckInterval time.Duration
	RetentionPeriod     time.Duration
	Thresholds          Thresholds
}

func DefaultConfig() Config {
	return Config{
		MetricsInterval:     time.Minute,
		HealthCheckInterval: 30 * time.Second,
		RetentionPeriod:     7 * 24 * time.Hour,
		Thresholds: Thresholds{
			ResponseTimeMs:        1000,
			ErrorRatePercent:      5,
			MemoryUsagePercent:    85,
			CPUUsagePercent:       90,
			SecurityEventsPerHour: 100,
		},
	}
}

// SystemOverview is the worst-wins aggregation across registered health
// checks and open alerts.
type SystemOverview struct {
	Status         string                 `json:"status"` // healthy | degraded | unhealthy | critical
	Services       map[string]CheckResult `json:"services"`
	ActiveAlerts   int                    `json:"activeAlerts"`
	CriticalAlerts int                    `json:"criticalAlerts"`
	SecurityEvents int                    `json:"securityEvents"`
	GeneratedAt    time.Time              `json:"generatedAt"`
}

// securityEventWindow bounds how long security events are retained for
// rate-based alerting.
const securityEventWindow = 24 * time.Hour

// securityRateWindow is the trailing window the event-rate policy counts.
const securityRateWindow = time.Hour
