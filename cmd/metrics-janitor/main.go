package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/audira/catalog-metrics/pkg/aggregation"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/query"
	"github.com/audira/catalog-metrics/pkg/retention"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	dbURL         = flag.String("db-url", getEnv("METRICS_POSTGRES_URL", "postgres://localhost/metrics?sslmode=disable"), "PostgreSQL connection URL")
	retentionDays = flag.Int("retention-days", getEnvInt("METRICS_RETENTION_DAYS", 2*query.DefaultConfig().MaxRangeDays), "Days of facts to keep, counting today (0 keeps everything)")
	schedule      = flag.String("schedule", getEnv("METRICS_RETENTION_SCHEDULE", retention.DefaultSchedule), "Cron schedule for the purge (default: 03:30 UTC daily)")
	timeout       = flag.Duration("timeout", 10*time.Minute, "Upper bound for a single purge")
	currency      = flag.String("currency", getEnv("METRICS_CURRENCY", eventstore.DefaultCurrency), "Reporting currency of the event store")
	redisURL      = flag.String("redis-url", getEnv("METRICS_REDIS_URL", ""), "Redis holding the shared aggregate cache; purged days are evicted from it")
	redisPrefix   = flag.String("redis-prefix", getEnv("METRICS_REDIS_PREFIX", "catalog-metrics:"), "Key prefix of the shared aggregate cache")
	metricsAddr   = flag.String("metrics-addr", getEnv("METRICS_JANITOR_METRICS_ADDR", ":9091"), "Address serving /metrics while scheduled (empty disables)")
	pushGateway   = flag.String("pushgateway", getEnv("METRICS_PUSHGATEWAY_URL", ""), "Pushgateway receiving the metrics of a -run-once purge")
	logLevel      = flag.String("log-level", getEnv("METRICS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	runOnce       = flag.Bool("run-once", false, "Purge once and exit")
)

func main() {
	flag.Parse()
	logger := observability.NewLogger(observability.ParseLogLevel(*logLevel), os.Stdout).WithField("service", "metrics-janitor")

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	store := eventstore.NewPostgresStore(db, eventstore.Options{Currency: *currency})
	if err := store.Migrate(context.Background()); err != nil {
		logger.WithError(err).Error("Failed to migrate event store")
		os.Exit(1)
	}

	if *redisURL != "" {
		client, err := openRedis(*redisURL)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis")
			os.Exit(1)
		}
		defer client.Close()
		// Query instances drop their own L1 entries when the L1 TTL runs out
		aggregation.EvictOnChange(store, aggregation.NewRedisCache(client, *redisPrefix, 0), logger)
		logger.Info("Purged days are evicted from the shared aggregate cache")
	}

	registry := prometheus.NewRegistry()
	janitor := retention.NewJanitor(store, retention.Policy{Days: *retentionDays, Timeout: *timeout},
		clockwork.NewRealClock(), logger, observability.NewMetrics(registry))

	if *runOnce {
		removed, err := janitor.RunOnce(context.Background())
		if *pushGateway != "" {
			if perr := push.New(*pushGateway, "metrics-janitor").Gatherer(registry).Push(); perr != nil {
				logger.WithError(perr).Warn("Failed to push metrics")
			}
		}
		if err != nil {
			logger.WithError(err).Error("Purge failed")
			os.Exit(1)
		}
		fmt.Printf("purged %d facts\n", removed)
		return
	}

	if err := janitor.Start(*schedule); err != nil {
		logger.WithError(err).Error("Failed to schedule purge")
		os.Exit(1)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		router := mux.NewRouter()
		observability.RegisterMetricsEndpoint(router, registry)
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: router}
		go func() {
			logger.WithField("addr", *metricsAddr).Info("Serving janitor metrics")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down janitor")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := janitor.Stop(ctx); err != nil {
		logger.WithError(err).Warn("Purge still running at shutdown")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
