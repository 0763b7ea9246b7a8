// Package config loads and validates service configuration.
//
// # Sources
//
// Settings start from Default, are overlaid by the YAML file named in
// METRICS_CONFIG_FILE when set, and finally by METRICS_* environment
// variables.
//
// Server settings:
//
//	METRICS_HOST="0.0.0.0"
//	METRICS_PORT="8080"
//	METRICS_HEALTH_PORT="9090"
//	METRICS_ALLOWED_ORIGINS="https://dashboard.example"
//
// Store settings:
//
//	METRICS_STORE_TYPE="postgres"  # memory, postgres
//	METRICS_POSTGRES_URL="postgres://localhost/metrics"
//	METRICS_STORE_SHARDS="64"
//	METRICS_CURRENCY="USD"
//	METRICS_CATALOG_FILE="catalog.yaml"  # memory store only
//
// Cache and ingestion:
//
//	METRICS_CACHE_ENABLED="true"
//	METRICS_L1_CACHE_TTL="15m"  # both TTLs at most 6h
//	METRICS_L2_CACHE_TTL="1h"
//	METRICS_REDIS_URL="redis://localhost:6379"
//	METRICS_REDIS_PREFIX="catalog-metrics:"
//	METRICS_KAFKA_BROKERS="kafka-1:9092,kafka-2:9092"
//	METRICS_KAFKA_GROUP_ID="catalog-metrics"
//	METRICS_DEGRADED_FAMILIES="commerce"  # ratings, commerce, community
//
// Query facade:
//
//	METRICS_WINDOW_DAYS="30"
//	METRICS_MAX_RANGE_DAYS="1098"
//	METRICS_STORE_TIMEOUT="5s"
//	METRICS_ESTIMATOR_ENABLED="true"
//	METRICS_ESTIMATOR_CONVERSION_RATE="0.10"
//	METRICS_ESTIMATOR_UNIT_PRICE="0.99"
//
// Retention and demo data:
//
//	METRICS_RETENTION_DAYS="2196"  # 0 keeps everything, else at least twice MAX_RANGE_DAYS
//	METRICS_RETENTION_SCHEDULE="30 3 * * *"
//	METRICS_SYNTHETIC_ENABLED="false"
//
// Observability settings:
//
//	METRICS_LOG_LEVEL="info"  # debug, info, warn, error
//	METRICS_PROMETHEUS_ENABLED="true"
//	METRICS_OTEL_ENABLED="true"
//	METRICS_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	svc := query.NewService(deps, cfg.ServiceConfig())
package config
