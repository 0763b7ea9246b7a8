package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/upstream"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(EnvPrefix+tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{name: "true", envValue: "true", want: true},
		{name: "one", envValue: "1", want: true},
		{name: "upper case", envValue: "TRUE", want: true},
		{name: "false", envValue: "false", defaultValue: true, want: false},
		{name: "unset keeps default", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(EnvPrefix+"TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers tests the numeric and duration helpers, which fall back to
// the default on unparsable input
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv(EnvPrefix+"TEST_INT", "42")
	t.Setenv(EnvPrefix+"TEST_BAD_INT", "forty-two")
	t.Setenv(EnvPrefix+"TEST_INT64", "9000000000")
	t.Setenv(EnvPrefix+"TEST_DURATION", "250ms")
	t.Setenv(EnvPrefix+"TEST_BAD_DURATION", "soon")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() on bad input = %d, want default 7", got)
	}
	if got := getEnvInt64("TEST_INT64", 0); got != 9000000000 {
		t.Errorf("getEnvInt64() = %d, want 9000000000", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration() = %v, want 250ms", got)
	}
	if got := getEnvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() on bad input = %v, want default 1s", got)
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv(EnvPrefix+"TEST_LIST", " kafka-1:9092, kafka-2:9092 ,,")

	got := getEnvList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("getEnvList() = %q", got)
	}
	if got := getEnvList("TEST_LIST_UNSET", []string{"a"}); len(got) != 1 {
		t.Errorf("getEnvList() default = %q", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults: %v", err)
	}
	if cfg.LogLevel() != observability.InfoLevel {
		t.Errorf("LogLevel() = %v, want info", cfg.LogLevel())
	}

	qc := cfg.ServiceConfig()
	if qc.Window != 30 || qc.Estimator == nil {
		t.Errorf("ServiceConfig() = %+v", qc)
	}
	if got := qc.Estimator.ConversionRate.String(); got != "0.1" {
		t.Errorf("conversion rate = %s, want 0.1", got)
	}
	if topics := cfg.Kafka.Topics(); topics[upstream.FamilyCommerce] != "commerce.facts" {
		t.Errorf("commerce topic = %q", topics[upstream.FamilyCommerce])
	}
	if cfg.Retention.Days < 2*cfg.Query.MaxRangeDays {
		t.Errorf("retention %d days does not cover two ranges of %d days", cfg.Retention.Days, cfg.Query.MaxRangeDays)
	}
	if cfg.Cache.L2TTL > MaxCacheTTL {
		t.Errorf("L2 TTL %v above cap", cfg.Cache.L2TTL)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing server port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"missing health port", func(c *Config) { c.Server.HealthPort = "" }, "health port is required"},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"unknown store", func(c *Config) { c.Store.Type = "cassandra" }, "invalid store type"},
		{"postgres without url", func(c *Config) { c.Store.Type = StorePostgres }, "postgres URL is required"},
		{"bad currency", func(c *Config) { c.Store.Currency = "EURO" }, "three-letter"},
		{"empty l1 cache", func(c *Config) { c.Cache.L1Size = 0 }, "L1 cache size"},
		{"brokers without group", func(c *Config) {
			c.Kafka.Brokers = []string{"kafka:9092"}
			c.Kafka.GroupID = ""
		}, "group id"},
		{"zero window", func(c *Config) { c.Query.WindowDays = 0 }, "window days"},
		{"range shorter than window", func(c *Config) { c.Query.MaxRangeDays = 7 }, "must cover the window"},
		{"conversion above one", func(c *Config) { c.Query.ConversionRate = "1.5" }, "conversion rate"},
		{"unit price not a number", func(c *Config) { c.Query.UnitPrice = "cheap" }, "unit price"},
		{"retention shorter than queries", func(c *Config) { c.Retention.Days = 90 }, "must cover twice the longest queryable range"},
		{"retention covering one range only", func(c *Config) { c.Retention.Days = c.Query.MaxRangeDays }, "must cover twice"},
		{"l2 ttl above cap", func(c *Config) { c.Cache.L2TTL = 24 * time.Hour }, "cache TTLs"},
		{"l1 ttl above cap", func(c *Config) { c.Cache.L1TTL = 7 * time.Hour }, "cache TTLs"},
		{"unknown degraded family", func(c *Config) { c.Kafka.DegradedFamilies = []string{"lyrics"} }, "unknown degraded family"},
		{"plays marked degraded", func(c *Config) { c.Kafka.DegradedFamilies = []string{"plays"} }, "cannot be marked degraded"},
		{"synthetic without days", func(c *Config) {
			c.Synthetic.Enabled = true
			c.Synthetic.Days = 0
		}, "synthetic days"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, "OpenTelemetry endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigValidate_EstimatorDisabledSkipsParsing(t *testing.T) {
	cfg := Default()
	cfg.Query.EstimatorEnabled = false
	cfg.Query.ConversionRate = "n/a"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.ServiceConfig().Estimator != nil {
		t.Error("estimator should be nil when disabled")
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv(EnvPrefix+"PORT", "8181")
	t.Setenv(EnvPrefix+"STORE_TYPE", "POSTGRES")
	t.Setenv(EnvPrefix+"POSTGRES_URL", "postgres://metrics@localhost/metrics?sslmode=disable")
	t.Setenv(EnvPrefix+"KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv(EnvPrefix+"SYNTHETIC_ENABLED", "true")
	t.Setenv(EnvPrefix+"SYNTHETIC_SEED", "7")
	t.Setenv(EnvPrefix+"WINDOW_DAYS", "14")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"CATALOG_FILE", "/etc/metrics/catalog.yaml")
	t.Setenv(EnvPrefix+"DEGRADED_FAMILIES", "Commerce, community")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "8181" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Store.Type != StorePostgres {
		t.Errorf("store type = %q", cfg.Store.Type)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers = %q", cfg.Kafka.Brokers)
	}
	if !cfg.Synthetic.Enabled || cfg.Synthetic.Seed != 7 {
		t.Errorf("synthetic = %+v", cfg.Synthetic)
	}
	if cfg.Query.WindowDays != 14 {
		t.Errorf("window = %d", cfg.Query.WindowDays)
	}
	if cfg.LogLevel() != observability.DebugLevel {
		t.Errorf("log level = %v", cfg.LogLevel())
	}
	if cfg.Store.CatalogFile != "/etc/metrics/catalog.yaml" {
		t.Errorf("catalog file = %q", cfg.Store.CatalogFile)
	}
	degraded, err := cfg.Kafka.Degraded()
	if err != nil || len(degraded) != 2 || degraded[0] != upstream.FamilyCommerce {
		t.Errorf("degraded = %v, %v", degraded, err)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.yaml")
	yamlDoc := `
server:
  port: "8282"
  allowed_origins: ["https://dashboard.example"]
query:
  window_days: 7
  max_range_days: 400
  store_timeout: 2s
  unit_price: "1.29"
retention:
  days: 0
kafka:
  brokers: ["kafka:9092"]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvPrefix+"CONFIG_FILE", path)
	t.Setenv(EnvPrefix+"WINDOW_DAYS", "10")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Port != "8282" {
		t.Errorf("port from file = %q", cfg.Server.Port)
	}
	if cfg.Query.WindowDays != 10 {
		t.Errorf("env should override file, window = %d", cfg.Query.WindowDays)
	}
	if cfg.Query.StoreTimeout != 2*time.Second {
		t.Errorf("store timeout = %v", cfg.Query.StoreTimeout)
	}
	if cfg.Query.ConversionRate != "0.1" {
		t.Errorf("keys absent from the file keep defaults, conversion rate = %q", cfg.Query.ConversionRate)
	}
	est, err := cfg.Query.Estimator()
	if err != nil || est.UnitPrice.String() != "1.29" {
		t.Errorf("estimator = %+v, %v", est, err)
	}
	if cfg.Kafka.GroupID != "catalog-metrics" || cfg.Kafka.IngestConfig().Topics[upstream.FamilyPlays] != "catalog.plays" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Retention.RetentionPolicy().Days != 0 {
		t.Errorf("retention disabled by file, got %d", cfg.Retention.Days)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv(EnvPrefix+"PORT", "8080")
	t.Setenv(EnvPrefix+"HEALTH_PORT", "8080")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() expected error for clashing ports")
	}

	t.Setenv(EnvPrefix+"HEALTH_PORT", "9090")
	t.Setenv(EnvPrefix+"CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() expected error for a missing config file")
	}
}
