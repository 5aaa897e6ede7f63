// Package config loads the platform configuration from a YAML file with
// environment overrides applied by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Backup   BackupConfig   `yaml:"backup"`
	Alerting AlertingConfig `yaml:"alerting"`
	Server   ServerConfig   `yaml:"server"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslMode"`
}

type PoolConfig struct {
	MinConnections        int    `yaml:"minConnections"`
	MaxConnections        int    `yaml:"maxConnections"`
	IdleTimeoutMs         int    `yaml:"idleTimeoutMs"`
	ConnectionTimeoutMs   int    `yaml:"connectionTimeoutMs"`
	AcquireTimeoutMs      int    `yaml:"acquireTimeoutMs"`
	HealthCheckIntervalMs int    `yaml:"healthCheckIntervalMs"`
	HealthCheckQuery      string `yaml:"healthCheckQuery"`
	SlowQueryThresholdMs  int    `yaml:"slowQueryThresholdMs"`
}

type BackupConfig struct {
	Destination    string          `yaml:"destination"`
	Compression    bool            `yaml:"compression"`
	Encryption     bool            `yaml:"encryption"`
	Verification   bool            `yaml:"verification"`
	MaxConcurrency int             `yaml:"maxConcurrency"`
	Retention      RetentionConfig `yaml:"retention"`
}

type RetentionConfig struct {
	Count int `yaml:"count"`
	Days  int `yaml:"days"`
}

type AlertingConfig struct {
	MetricsIntervalMs     int              `yaml:"metricsIntervalMs"`
	HealthCheckIntervalMs int              `yaml:"healthCheckIntervalMs"`
	RetentionPeriodDays   int              `yaml:"retentionPeriodDays"`
	Thresholds            ThresholdsConfig `yaml:"alertThresholds"`
	NatsURL               string           `yaml:"natsUrl"`
	NatsSubject           string           `yaml:"natsSubject"`
}

type ThresholdsConfig struct {
	ResponseTimeMs        float64 `yaml:"responseTimeMs"`
	ErrorRatePercent      float64 `yaml:"errorRatePercent"`
	MemoryUsagePercent    float64 `yaml:"memoryUsagePercent"`
	CPUUsagePercent       float64 `yaml:"cpuUsagePercent"`
	SecurityEventsPerHour int     `yaml:"securityEventsPerHour"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	OptimizeIntervalMs int    `yaml:"optimizeIntervalMs"`
}

func Default() Config {
	return Config{
		Database: DatabaseConfig{Type: "postgres", Host: "localhost", Port: 5432, SSLMode: "disable"},
		Pool: PoolConfig{
			MinConnections:        2,
			MaxConnections:        10,
			IdleTimeoutMs:         300000,
			ConnectionTimeoutMs:   10000,
			AcquireTimeoutMs:      30000,
			HealthCheckIntervalMs: 30000,
			HealthCheckQuery:      "SELECT 1",
			SlowQueryThresholdMs:  1000,
		},
		Backup: BackupConfig{
			Destination:    "backups",
			Compression:    true,
			Verification:   true,
			MaxConcurrency: 4,
			Retention:      RetentionConfig{Days: 30},
		},
		Alerting: AlertingConfig{
			MetricsIntervalMs:     60000,
			HealthCheckIntervalMs: 30000,
			RetentionPeriodDays:   7,
			Thresholds: ThresholdsConfig{
				ResponseTimeMs:        1000,
				ErrorRatePercent:      5,
				MemoryUsagePercent:    85,
				CPUUsagePercent:       90,
				SecurityEventsPerHour: 100,
			},
		},
		Server: ServerConfig{Port: "8080"},
	}
}

// Load reads a YAML config file over the defaults. A missing path keeps
// defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Database.Type == "" {
		return fmt.Errorf("database.type is required")
	}
	if c.Database.Type != "memory" && c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Pool.MaxConnections < 1 {
		return fmt.Errorf("pool.maxConnections must be at least 1")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool.minConnections %d exceeds pool.maxConnections %d", c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	if c.Backup.Retention.Days < 0 || c.Backup.Retention.Count < 0 {
		return fmt.Errorf("backup.retention values must not be negative")
	}
	return nil
}

func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c PoolConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

func (c PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutMs) * time.Millisecond
}

func (c PoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

func (c PoolConfig) SlowQueryThreshold() time.Duration {
	return time.Duration(c.SlowQueryThresholdMs) * time.Millisecond
}
