package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/audira/catalog-metrics/pkg/ingest"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/query"
	"github.com/audira/catalog-metrics/pkg/retention"
	"github.com/audira/catalog-metrics/pkg/upstream"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the service reads
const EnvPrefix = "METRICS_"

// MaxCacheTTL caps both cache tiers. Other instances learn of a purge only
// when their entries expire.
const MaxCacheTTL = 6 * time.Hour

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Query         QueryConfig         `yaml:"query"`
	Retention     RetentionConfig     `yaml:"retention"`
	Synthetic     SyntheticConfig     `yaml:"synthetic"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// StoreConfig selects and tunes the event store. The catalog is read from the
// same database when the store is postgres.
type StoreConfig struct {
	Type         string        `yaml:"type"`
	PostgresURL  string        `yaml:"postgres_url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
	Shards       int           `yaml:"shards"`
	Currency     string        `yaml:"currency"`

	// CatalogFile seeds the in-memory catalog from a YAML document
	CatalogFile string `yaml:"catalog_file"`
}

// RedisConfig configures the shared aggregate cache tier
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// CacheConfig sizes the daily aggregate caches
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	L1Size  int           `yaml:"l1_size"`
	L1TTL   time.Duration `yaml:"l1_ttl"`
	L2TTL   time.Duration `yaml:"l2_ttl"`
}

// KafkaConfig configures fact ingestion. An empty broker list disables it.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	GroupID        string   `yaml:"group_id"`
	PlaysTopic     string   `yaml:"plays_topic"`
	RatingsTopic   string   `yaml:"ratings_topic"`
	CommerceTopic  string   `yaml:"commerce_topic"`
	CommunityTopic string   `yaml:"community_topic"`

	// DegradedFamilies are reported down whatever the consumer says, for
	// operators who know an upstream is misbehaving
	DegradedFamilies []string `yaml:"degraded_families"`
}

// QueryConfig tunes the query facade
type QueryConfig struct {
	WindowDays   int           `yaml:"window_days"`
	MaxRangeDays int           `yaml:"max_range_days"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	RetryDelay   time.Duration `yaml:"retry_delay"`

	// Commerce estimation while the commerce service is unavailable
	EstimatorEnabled bool   `yaml:"estimator_enabled"`
	ConversionRate   string `yaml:"conversion_rate"`
	UnitPrice        string `yaml:"unit_price"`
}

// RetentionConfig configures the purge of aged facts
type RetentionConfig struct {
	Days     int           `yaml:"days"`
	Schedule string        `yaml:"schedule"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SyntheticConfig switches on generated demo data
type SyntheticConfig struct {
	Enabled bool   `yaml:"enabled"`
	Seed    uint64 `yaml:"seed"`
	Days    int    `yaml:"days"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	qd := query.DefaultConfig()
	est := upstream.DefaultEstimator()
	topics := ingest.DefaultTopics()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Store: StoreConfig{
			Type:         StoreMemory,
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			ConnLifetime: 30 * time.Minute,
			Shards:       64,
			Currency:     "USD",
		},
		Redis: RedisConfig{
			PoolSize: 10,
			Prefix:   "catalog-metrics:",
		},
		Cache: CacheConfig{
			Enabled: true,
			L1Size:  8192,
			L1TTL:   15 * time.Minute,
			L2TTL:   time.Hour,
		},
		Kafka: KafkaConfig{
			GroupID:        "catalog-metrics",
			PlaysTopic:     topics[upstream.FamilyPlays],
			RatingsTopic:   topics[upstream.FamilyRatings],
			CommerceTopic:  topics[upstream.FamilyCommerce],
			CommunityTopic: topics[upstream.FamilyCommunity],
		},
		Query: QueryConfig{
			WindowDays:       qd.Window,
			MaxRangeDays:     qd.MaxRangeDays,
			StoreTimeout:     qd.StoreTimeout,
			RetryDelay:       qd.RetryDelay,
			EstimatorEnabled: true,
			ConversionRate:   est.ConversionRate.String(),
			UnitPrice:        est.UnitPrice.String(),
		},
		Retention: RetentionConfig{
			Days:     2 * qd.MaxRangeDays,
			Schedule: retention.DefaultSchedule,
			Timeout:  10 * time.Minute,
		},
		Synthetic: SyntheticConfig{
			Seed: 42,
			Days: 90,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "catalog-metrics",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// METRICS_CONFIG_FILE if any, and then environment variables, each layer
// overriding the previous one
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML file onto cfg. Keys absent from the file keep
// their current value.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	s := &c.Server
	s.Host = getEnv("HOST", s.Host)
	s.Port = getEnv("PORT", s.Port)
	s.ReadTimeout = getEnvDuration("READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("HEALTH_PORT", s.HealthPort)
	s.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", s.AllowedOrigins)

	st := &c.Store
	st.Type = strings.ToLower(getEnv("STORE_TYPE", st.Type))
	st.PostgresURL = getEnv("POSTGRES_URL", st.PostgresURL)
	st.MaxOpenConns = getEnvInt("POSTGRES_MAX_CONNS", st.MaxOpenConns)
	st.MaxIdleConns = getEnvInt("POSTGRES_MAX_IDLE_CONNS", st.MaxIdleConns)
	st.ConnLifetime = getEnvDuration("POSTGRES_CONN_LIFETIME", st.ConnLifetime)
	st.Shards = getEnvInt("STORE_SHARDS", st.Shards)
	st.Currency = strings.ToUpper(getEnv("CURRENCY", st.Currency))
	st.CatalogFile = getEnv("CATALOG_FILE", st.CatalogFile)

	r := &c.Redis
	r.URL = getEnv("REDIS_URL", r.URL)
	r.Password = getEnv("REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("REDIS_POOL_SIZE", r.PoolSize)
	r.Prefix = getEnv("REDIS_PREFIX", r.Prefix)

	ca := &c.Cache
	ca.Enabled = getEnvBool("CACHE_ENABLED", ca.Enabled)
	ca.L1Size = getEnvInt("L1_CACHE_SIZE", ca.L1Size)
	ca.L1TTL = getEnvDuration("L1_CACHE_TTL", ca.L1TTL)
	ca.L2TTL = getEnvDuration("L2_CACHE_TTL", ca.L2TTL)

	k := &c.Kafka
	k.Brokers = getEnvList("KAFKA_BROKERS", k.Brokers)
	k.GroupID = getEnv("KAFKA_GROUP_ID", k.GroupID)
	k.PlaysTopic = getEnv("KAFKA_PLAYS_TOPIC", k.PlaysTopic)
	k.RatingsTopic = getEnv("KAFKA_RATINGS_TOPIC", k.RatingsTopic)
	k.CommerceTopic = getEnv("KAFKA_COMMERCE_TOPIC", k.CommerceTopic)
	k.CommunityTopic = getEnv("KAFKA_COMMUNITY_TOPIC", k.CommunityTopic)
	k.DegradedFamilies = getEnvList("DEGRADED_FAMILIES", k.DegradedFamilies)

	q := &c.Query
	q.WindowDays = getEnvInt("WINDOW_DAYS", q.WindowDays)
	q.MaxRangeDays = getEnvInt("MAX_RANGE_DAYS", q.MaxRangeDays)
	q.StoreTimeout = getEnvDuration("STORE_TIMEOUT", q.StoreTimeout)
	q.RetryDelay = getEnvDuration("RETRY_DELAY", q.RetryDelay)
	q.EstimatorEnabled = getEnvBool("ESTIMATOR_ENABLED", q.EstimatorEnabled)
	q.ConversionRate = getEnv("ESTIMATOR_CONVERSION_RATE", q.ConversionRate)
	q.UnitPrice = getEnv("ESTIMATOR_UNIT_PRICE", q.UnitPrice)

	rt := &c.Retention
	rt.Days = getEnvInt("RETENTION_DAYS", rt.Days)
	rt.Schedule = getEnv("RETENTION_SCHEDULE", rt.Schedule)
	rt.Timeout = getEnvDuration("RETENTION_TIMEOUT", rt.Timeout)

	sy := &c.Synthetic
	sy.Enabled = getEnvBool("SYNTHETIC_ENABLED", sy.Enabled)
	sy.Seed = uint64(getEnvInt64("SYNTHETIC_SEED", int64(sy.Seed)))
	sy.Days = getEnvInt("SYNTHETIC_DAYS", sy.Days)

	o := &c.Observability
	o.LogLevel = getEnv("LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("PROMETHEUS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory or postgres)", c.Store.Type)
	}
	if len(c.Store.Currency) != 3 {
		return fmt.Errorf("currency must be a three-letter code, got %q", c.Store.Currency)
	}

	if c.Cache.Enabled && c.Cache.L1Size <= 0 {
		return fmt.Errorf("L1 cache size must be positive when the cache is enabled")
	}
	if c.Cache.L1TTL > MaxCacheTTL || c.Cache.L2TTL > MaxCacheTTL {
		return fmt.Errorf("cache TTLs must not exceed %s", MaxCacheTTL)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group id is required when brokers are set")
	}
	if _, err := c.Kafka.Degraded(); err != nil {
		return err
	}

	if c.Query.WindowDays < 1 {
		return fmt.Errorf("window days must be at least 1, got %d", c.Query.WindowDays)
	}
	if c.Query.MaxRangeDays < c.Query.WindowDays {
		return fmt.Errorf("max range days (%d) must cover the window (%d)", c.Query.MaxRangeDays, c.Query.WindowDays)
	}
	if c.Query.EstimatorEnabled {
		if _, err := c.Query.Estimator(); err != nil {
			return err
		}
	}

	if c.Retention.Days < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	// A full-length range compares against the period before it, so both
	// must still be stored.
	if c.Retention.Days > 0 && c.Retention.Days < 2*c.Query.MaxRangeDays {
		return fmt.Errorf("retention (%d days) must cover twice the longest queryable range (%d days)", c.Retention.Days, c.Query.MaxRangeDays)
	}

	if c.Synthetic.Enabled && c.Synthetic.Days < 1 {
		return fmt.Errorf("synthetic days must be at least 1")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

// Estimator parses the commerce estimator settings
func (q QueryConfig) Estimator() (upstream.Estimator, error) {
	rate, err := decimal.NewFromString(q.ConversionRate)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return upstream.Estimator{}, fmt.Errorf("conversion rate must be a number in [0, 1], got %q", q.ConversionRate)
	}
	price, err := decimal.NewFromString(q.UnitPrice)
	if err != nil || price.IsNegative() {
		return upstream.Estimator{}, fmt.Errorf("unit price must be a non-negative number, got %q", q.UnitPrice)
	}
	return upstream.Estimator{ConversionRate: rate, UnitPrice: price}, nil
}

// ServiceConfig converts the settings into query service configuration
func (c *Config) ServiceConfig() query.Config {
	qc := query.Config{
		Window:       c.Query.WindowDays,
		MaxRangeDays: c.Query.MaxRangeDays,
		StoreTimeout: c.Query.StoreTimeout,
		RetryDelay:   c.Query.RetryDelay,
		Synthetic:    c.Synthetic.Enabled,
	}
	if c.Query.EstimatorEnabled {
		if est, err := c.Query.Estimator(); err == nil {
			qc.Estimator = &est
		}
	}
	return qc
}

// Topics maps each metric family to its topic
func (k KafkaConfig) Topics() map[upstream.Family]string {
	return map[upstream.Family]string{
		upstream.FamilyPlays:     k.PlaysTopic,
		upstream.FamilyRatings:   k.RatingsTopic,
		upstream.FamilyCommerce:  k.CommerceTopic,
		upstream.FamilyCommunity: k.CommunityTopic,
	}
}

// Degraded parses the families an operator has marked down
func (k KafkaConfig) Degraded() ([]upstream.Family, error) {
	var out []upstream.Family
	for _, name := range k.DegradedFamilies {
		f := upstream.Family(strings.ToLower(name))
		if !slices.Contains(upstream.Families(), f) {
			return nil, fmt.Errorf("unknown degraded family %q", name)
		}
		if f == upstream.FamilyPlays {
			return nil, fmt.Errorf("plays come from the catalog and cannot be marked degraded")
		}
		out = append(out, f)
	}
	return out, nil
}

// IngestConfig converts the settings into consumer configuration
func (k KafkaConfig) IngestConfig() ingest.KafkaConfig {
	return ingest.KafkaConfig{Brokers: k.Brokers, GroupID: k.GroupID, Topics: k.Topics()}
}

// RetentionPolicy converts the settings into a retention policy
func (r RetentionConfig) RetentionPolicy() retention.Policy {
	return retention.Policy{Days: r.Days, Timeout: r.Timeout}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
