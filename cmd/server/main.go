package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dbops-platform/internal/alerting"
	"dbops-platform/internal/api"
	"dbops-platform/internal/backup"
	"dbops-platform/internal/bus"
	"dbops-platform/internal/config"
	"dbops-platform/internal/driver"
	"dbops-platform/internal/orchestrator"
	"dbops-platform/internal/pool"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(getenv("CONFIG_PATH", ""))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	drv, err := driver.Open(driver.Config{
		Type:     cfg.Database.Type,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error("failed to open database driver", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer drv.Close()

	ctx := context.Background()
	p, err := pool.New(ctx, pool.Config{
		MinConnections:      cfg.Pool.MinConnections,
		MaxConnections:      cfg.Pool.MaxConnections,
		IdleTimeout:         cfg.Pool.IdleTimeout(),
		ConnectTimeout:      cfg.Pool.ConnectTimeout(),
		AcquireTimeout:      cfg.Pool.AcquireTimeout(),
		HealthCheckInterval: cfg.Pool.HealthCheckInterval(),
		HealthCheckQuery:    cfg.Pool.HealthCheckQuery,
		SlowQueryThreshold:  cfg.Pool.SlowQueryThreshold(),
	}, drv, logger)
	if err != nil {
		logger.Error("failed to start connection pool", slog.String("error", err.Error()))
		os.Exit(1)
	}

	backups, err := backup.NewManager(backup.Config{
		Destination:    cfg.Backup.Destination,
		Compression:    cfg.Backup.Compression,
		Encryption:     cfg.Backup.Encryption,
		Verification:   cfg.Backup.Verification,
		RetentionDays:  cfg.Backup.Retention.Days,
		RetentionCount: cfg.Backup.Retention.Count,
		MaxConcurrency: cfg.Backup.MaxConcurrency,
	}, p, logger, cfg.Database.Database, cfg.Database.Type)
	if err != nil {
		logger.Error("failed to init backup manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Log: logger}}
	natsURL := getenv("NATS_URL", cfg.Alerting.NatsURL)
	if natsURL != "" {
		publisher, err := bus.NewPublisher(natsURL, cfg.Alerting.NatsSubject)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer publisher.Close()
		notifiers = append(notifiers, publisher)
	}

	alerts := alerting.NewEngine(alerting.Config{
		MetricsInterval:     time.Duration(cfg.Alerting.MetricsIntervalMs) * time.Millisecond,
		HealthCheckInterval: time.Duration(cfg.Alerting.HealthCheckIntervalMs) * time.Millisecond,
		RetentionPeriod:     time.Duration(cfg.Alerting.RetentionPeriodDays) * 24 * time.Hour,
		Thresholds: alerting.Thresholds{
			ResponseTimeMs:        cfg.Alerting.Thresholds.ResponseTimeMs,
			ErrorRatePercent:      cfg.Alerting.Thresholds.ErrorRatePercent,
			MemoryUsagePercent:    cfg.Alerting.Thresholds.MemoryUsagePercent,
			CPUUsagePercent:       cfg.Alerting.Thresholds.CPUUsagePercent,
			SecurityEventsPerHour: cfg.Alerting.Thresholds.SecurityEventsPerHour,
		},
	}, logger, notifiers...)

	orch := orchestrator.New(p, backups, alerts, orchestrator.Config{
		OptimizeInterval: time.Duration(cfg.Server.OptimizeIntervalMs) * time.Millisecond,
	}, logger)
	if err := orch.Initialize(ctx); err != nil {
		logger.Error("failed to initialize orchestrator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srvAPI := &api.Server{Pool: p, Backups: backups, Alerts: alerts, Orch: orch, Log: logger}
	srv := &http.Server{
		Addr:         ":" + getenv("PORT", cfg.Server.Port),
		Handler:      srvAPI.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = orch.Shutdown(ctx)
	}()

	logger.Info("dbops-platform listening", slog.String("addr", srv.Addr), slog.String("engine", cfg.Database.Type))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
	}
}

func applyEnvOverrides(cfg *config.Config) {
	cfg.Database.Type = getenv("DB_TYPE", cfg.Database.Type)
	cfg.Database.Host = getenv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getenvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getenv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getenv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getenv("DB_NAME", cfg.Database.Database)
	cfg.Backup.Destination = getenv("BACKUP_DIR", cfg.Backup.Destination)
	cfg.Pool.MaxConnections = getenvInt("POOL_MAX_CONNECTIONS", cfg.Pool.MaxConnections)
	cfg.Pool.MinConnections = getenvInt("POOL_MIN_CONNECTIONS", cfg.Pool.MinConnections)
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}
