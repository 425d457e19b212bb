package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/itskum47/ThresholdForge/algorithm"
	"github.com/itskum47/ThresholdForge/autorefresh"
	"github.com/itskum47/ThresholdForge/coordination"
	"github.com/itskum47/ThresholdForge/recommender"
	"github.com/itskum47/ThresholdForge/rulesync"
	"github.com/itskum47/ThresholdForge/scheduler"
	"github.com/itskum47/ThresholdForge/store"
)

// Config collects every environment knob the engine reads at startup.
type Config struct {
	Port         string
	StoreBackend string
	DatabaseURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	FetchURL   string
	MonitorURL string
	MonitorQPS int

	MaxConcurrentTasks int

	TimeSplit            int
	MaxThresholdBlocks   int
	CorrelationThreshold float64
	MinDataPointsPerDay  int
	MinCommonPoints      int

	FetchTimeout   time.Duration
	HistoricalDays int
	DataInterval   int

	Timezone *time.Location
}

func loadConfig() Config {
	cfg := Config{
		Port:                 envString("PORT", "8080"),
		StoreBackend:         envString("STORE_BACKEND", "memory"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              envInt("REDIS_DB", 0),
		FetchURL:             os.Getenv("FETCH_URL"),
		MonitorURL:           os.Getenv("MONITOR_URL"),
		MonitorQPS:           envInt("MONITOR_QPS", rulesync.DefaultQPS),
		MaxConcurrentTasks:   envInt("MAX_CONCURRENT_TASKS", scheduler.DefaultMaxConcurrent),
		TimeSplit:            envInt("DEFAULT_NUMBER_OF_TIME_SPLIT", algorithm.DefaultNumberOfTimeSplit),
		MaxThresholdBlocks:   envInt("DEFAULT_MAXIMUM_THRESHOLD_BLOCKS", algorithm.DefaultMaximumThresholdBlocks),
		CorrelationThreshold: envFloat("DEFAULT_CORRELATION_THRESHOLD", algorithm.DefaultCorrelationThreshold),
		MinDataPointsPerDay:  envInt("MIN_DATA_POINTS_PER_DAY", algorithm.DefaultMinDataPointsPerDay),
		MinCommonPoints:      envInt("MIN_COMMON_POINTS", algorithm.DefaultMinCommonPoints),
		FetchTimeout:         time.Duration(envInt("FETCH_DATA_TIMEOUT", 3600)) * time.Second,
		HistoricalDays:       envInt("HISTORICAL_DAYS", recommender.DefaultHistoricalDays),
		DataInterval:         envInt("TIMESERIES_DATA_INTERVAL", recommender.DefaultDataInterval),
		Timezone:             time.Local,
	}

	if tz := os.Getenv("DEFAULT_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			log.Fatalf("Invalid DEFAULT_TIMEZONE %q: %v", tz, err)
		}
		cfg.Timezone = loc
	}
	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
		log.Printf("⚠️ Invalid %s=%q, using default %d", key, v, fallback)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
		log.Printf("⚠️ Invalid %s=%q, using default %g", key, v, fallback)
	}
	return fallback
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	// Persistence backend.
	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			log.Fatal("STORE_BACKEND=postgres requires DATABASE_URL")
		}
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("✅ Connected to Postgres")
	case "memory":
		st = store.NewMemoryStore()
		log.Printf("Using in-memory store (single node, non-durable)")
	default:
		log.Fatalf("Unknown STORE_BACKEND %q (want memory or postgres)", cfg.StoreBackend)
	}

	// Coordination lock for the auto refresh processor. Redis makes it hold
	// across replicas; without Redis a process-local lock stands in.
	var locker coordination.Locker
	if cfg.RedisAddr != "" {
		redisLocker, err := coordination.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		locker = redisLocker
		log.Printf("✅ Connected to Redis at %s for coordination", cfg.RedisAddr)
	} else {
		locker = coordination.NewMemoryLocker()
		log.Printf("Using in-process coordination lock (single node only)")
	}

	// Estimation pipeline.
	detector, err := algorithm.NewPeriodDetector(cfg.CorrelationThreshold, cfg.MinDataPointsPerDay, cfg.MinCommonPoints)
	if err != nil {
		log.Fatalf("Invalid period detector configuration: %v", err)
	}
	algo := algorithm.NewRecommender(cfg.Timezone, algorithm.DefaultSplitRanges(cfg.TimeSplit), detector)
	merger := algorithm.NewMerger(cfg.MaxThresholdBlocks)

	// Data plane: fetcher and executor.
	var fetcher recommender.Fetcher
	if cfg.FetchURL != "" {
		fetcher = recommender.NewHTTPFetcher(cfg.FetchURL, nil)
		log.Printf("Fetching timeseries from %s", cfg.FetchURL)
	} else {
		log.Printf("⚠️ FETCH_URL not set; queued tasks will fail until a datasource gateway is configured")
	}
	executor := recommender.NewExecutor(fetcher, algo, merger, recommender.ExecutorConfig{
		FetchTimeout:   cfg.FetchTimeout,
		HistoricalDays: cfg.HistoricalDays,
		DataInterval:   cfg.DataInterval,
	})

	sched := scheduler.NewScheduler(executor, st, cfg.MaxConcurrentTasks)
	defer sched.Shutdown()

	// Rule synchronization, when a monitoring gateway is configured.
	var alarms *rulesync.Service
	if cfg.MonitorURL != "" {
		provider := rulesync.NewHTTPProvider(cfg.MonitorURL, nil)
		synchronizer := rulesync.NewSynchronizer(provider, rulesync.NewLimiter())
		alarms = rulesync.NewService(st, synchronizer, cfg.MonitorQPS)
		log.Printf("Syncing alarm rules through %s (qps=%d)", cfg.MonitorURL, cfg.MonitorQPS)
	} else {
		log.Printf("⚠️ MONITOR_URL not set; alarm rule sync is disabled")
	}

	var syncer autorefresh.AlarmSyncer
	if alarms != nil {
		syncer = alarms
	}
	controller := autorefresh.NewController(st, sched, syncer, locker)

	hub := NewEventHub(sched.Status)
	go hub.Run(ctx)

	api := NewAPI(st, sched, controller, alarms, hub)

	log.Printf("ThresholdForge engine listening on :%s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, api.Routes()))
}
