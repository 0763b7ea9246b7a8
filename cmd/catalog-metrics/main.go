package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/audira/catalog-metrics/pkg/aggregation"
	"github.com/audira/catalog-metrics/pkg/api"
	"github.com/audira/catalog-metrics/pkg/catalog"
	"github.com/audira/catalog-metrics/pkg/config"
	"github.com/audira/catalog-metrics/pkg/eventstore"
	"github.com/audira/catalog-metrics/pkg/httputil"
	"github.com/audira/catalog-metrics/pkg/ingest"
	"github.com/audira/catalog-metrics/pkg/observability"
	"github.com/audira/catalog-metrics/pkg/query"
	"github.com/audira/catalog-metrics/pkg/ranking"
	"github.com/audira/catalog-metrics/pkg/retention"
	"github.com/audira/catalog-metrics/pkg/synthetic"
	"github.com/audira/catalog-metrics/pkg/upstream"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

// catalogSource is everything the service reads from the catalog side
type catalogSource interface {
	catalog.Catalog
	catalog.CollaborationRegistry
	catalog.Identity
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog-metrics: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("service", "catalog-metrics")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Service stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := observability.NewMetrics(registry)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    1,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	var shutdowns []func(*observability.ShutdownManager)
	onShutdown := func(name string, fn observability.ShutdownFunc) {
		shutdowns = append(shutdowns, func(sm *observability.ShutdownManager) { sm.RegisterShutdownFunc(name, fn) })
	}
	onShutdown("otel", func(ctx context.Context) error { return observability.ShutdownOTel(ctx, providers, logger) })

	// Event store and catalog
	storeOpts := eventstore.Options{Shards: cfg.Store.Shards, Currency: cfg.Store.Currency, Clock: clock}
	var (
		store   eventstore.Store
		cat     catalogSource
		db      *sql.DB
		janitor *retention.Janitor
	)
	switch cfg.Store.Type {
	case config.StorePostgres:
		db, err = openPostgres(ctx, cfg.Store)
		if err != nil {
			return err
		}
		onShutdown("postgres", func(context.Context) error { return db.Close() })
		pg := eventstore.NewPostgresStore(db, storeOpts)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate event store: %w", err)
		}
		store = pg
		cat = catalog.NewPostgres(db)
		logger.Info("Using PostgreSQL event store and catalog")
	default:
		mem := eventstore.NewMemoryStore(storeOpts)
		store = mem
		if cfg.Store.CatalogFile != "" {
			fileCat, err := catalog.LoadFile(cfg.Store.CatalogFile)
			if err != nil {
				return err
			}
			cat = fileCat
			logger.WithField("path", cfg.Store.CatalogFile).Info("Loaded catalog file")
		} else {
			cat = catalog.NewMemory()
			if !cfg.Synthetic.Enabled {
				logger.Warn("No catalog file configured; the catalog is empty")
			}
		}
		// Nothing else can purge an in-process store
		janitor = retention.NewJanitor(mem, cfg.Retention.RetentionPolicy(), clock, logger, m)
		logger.Warn("Using in-memory event store; facts are lost on restart")
	}

	if cfg.Synthetic.Enabled {
		demo := synthetic.DemoCatalog()
		cat = demo
		songs, err := synthetic.DemoSongs(ctx, demo, 1, 2, 3)
		if err != nil {
			return fmt.Errorf("list demo songs: %w", err)
		}
		gen := synthetic.NewGenerator(store, clock, cfg.Synthetic.Seed, logger)
		if _, err := gen.Populate(ctx, songs, cfg.Synthetic.Days); err != nil {
			return fmt.Errorf("populate synthetic history: %w", err)
		}
		logger.Warn("Synthetic demo data enabled; responses are marked synthetic")
	}

	// Aggregate caches
	var redisClient *redis.Client
	engineOpts := aggregation.Options{Clock: clock, Logger: logger, FoldTimeout: cfg.Query.StoreTimeout}
	if cfg.Cache.Enabled {
		l1 := aggregation.NewLRUCache(cfg.Cache.L1Size, cfg.Cache.L1TTL)
		engineOpts.Cache = l1
		if cfg.Redis.URL != "" {
			redisClient, err = openRedis(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			onShutdown("redis", func(context.Context) error { return redisClient.Close() })
			l2 := aggregation.NewRedisCache(redisClient, cfg.Redis.Prefix, cfg.Cache.L2TTL)
			engineOpts.Cache = aggregation.NewTieredCache(l1, l2, logger, m)
			logger.Info("Daily aggregates cached in memory and Redis")
		}
	} else {
		engineOpts.Cache = aggregation.NoCache{}
	}
	engine := aggregation.NewEngine(store, engineOpts)
	ranker := ranking.NewRanker(cat, store, engine, clock)

	// Ingestion
	var availability upstream.Availability
	var consumer *ingest.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		consumer = ingest.NewConsumer(store, logger, m)
		kc := cfg.Kafka.IngestConfig()
		for _, family := range upstream.Families() {
			consumer.AddReader(family, ingest.NewKafkaReader(kc, kc.Topics[family]))
		}
		availability = consumer
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("Kafka ingestion enabled")
	}
	degraded, err := cfg.Kafka.Degraded()
	if err != nil {
		return err
	}
	if len(degraded) > 0 {
		override := upstream.NewStatic()
		for _, family := range degraded {
			override.SetDown(family, true)
		}
		sources := upstream.Combined{override}
		if consumer != nil {
			sources = append(sources, consumer)
		}
		availability = sources
	}
	if down := upstream.Down(upstream.Snapshot(ctx, availability)); len(down) > 0 {
		logger.WithField("families", down).Warn("Metric families start degraded")
	}

	svc := query.NewService(query.Deps{
		Catalog:        cat,
		Collaborations: cat,
		Identity:       cat,
		Store:          store,
		Engine:         engine,
		Ranker:         ranker,
		Availability:   availability,
		Clock:          clock,
		Logger:         logger,
		Metrics:        m,
	}, cfg.ServiceConfig())

	// HTTP
	apiServer := api.NewServer(svc, ranker, store, clock, logger)
	router := apiServer.Router()
	if cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(m))
	}
	handler := http.Handler(router)
	if len(cfg.Server.AllowedOrigins) > 0 {
		handler = httputil.CORSMiddleware(cfg.Server.AllowedOrigins)(handler)
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, redisClient, version)
	if consumer != nil {
		for _, family := range upstream.Families() {
			health.AddProbe("kafka_"+string(family), false, func(ctx context.Context) error {
				return consumer.Check(ctx, family)
			})
		}
	}
	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, health)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthRouter, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthRouter,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	for _, register := range shutdowns {
		register(shutdown)
	}
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("background work", func(context.Context) error {
		cancel()
		return nil
	})

	if consumer != nil {
		shutdown.RegisterShutdownFunc("kafka readers", func(context.Context) error { return consumer.Close() })
		go func() {
			defer observability.RecoverPanic(logger, "kafka consumer")
			if err := consumer.Run(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	}
	if janitor != nil {
		if err := janitor.Start(cfg.Retention.Schedule); err != nil {
			return err
		}
		shutdown.RegisterShutdownFunc("retention janitor", janitor.Stop)
	}

	serveErr := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.WithFields(map[string]interface{}{"addr": srv.Addr, "version": version}).Infof("Starting %s", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("%s: %w", name, err)
		}
	}
	go serve("health server", healthServer)
	go serve("API server", httpServer)

	done := make(chan error, 1)
	go func() { done <- shutdown.WaitForShutdown() }()

	select {
	case err := <-serveErr:
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		_ = shutdown.Shutdown(shutdownCtx)
		return err
	case err := <-done:
		logger.Info("Shutdown complete")
		return err
	}
}

func openPostgres(ctx context.Context, cfg config.StoreConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
