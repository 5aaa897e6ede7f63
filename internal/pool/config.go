package pool

import (
	"fmt"
	"time"
)

type Config struct {
	MinConnections      int
	MaxConnections      int
	IdleTimeout         time.Duration
	ConnectTimeout      time.Duration
	AcquireTimeout      time.Duration
	HealthCheckInterval time.Duration
	HealthCheckQuery    string
	SlowQueryThreshold  time.Duration
	ProbeLatencyBound   time.Duration
	ShutdownGrace       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinConnections:      2,
		MaxConnections:      10,
		IdleTimeout:         5 * time.Minute,
		ConnectTimeout:      10 * time.Second,
		AcquireTimeout:      30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckQuery:    "SELECT 1",
		SlowQueryThreshold:  time.Second,
		ProbeLatencyBound:   500 * time.Millisecond,
		ShutdownGrace:       10 * time.Second,
	}
}

func (c Config) validate() error {
	if c.MinConnections < 0 {
		return fmt.Errorf("%w: minConnections must not be negative", ErrInvalidConfig)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("%w: maxConnections must be at least 1", ErrInvalidConfig)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("%w: minConnections %d exceeds maxConnections %d", ErrInvalidConfig, c.MinConnections, c.MaxConnections)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: acquireTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HealthCheckQuery == "" {
		c.HealthCheckQuery = def.HealthCheckQuery
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.SlowQueryThreshold <= 0 {
		c.SlowQueryThreshold = def.SlowQueryThreshold
	}
	if c.ProbeLatencyBound <= 0 {
		c.ProbeLatencyBound = def.ProbeLatencyBound
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}
