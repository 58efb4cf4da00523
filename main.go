// Program radiolocate wires together the report ingestion feed, the
// incoming queue, the aggregation pipeline over the sharded station and
// area stores, the background scheduler, and the locate query engine.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"radiolocate/aggregator"
	"radiolocate/areastore"
	"radiolocate/config"
	"radiolocate/dedup"
	"radiolocate/geoip"
	"radiolocate/ingest"
	"radiolocate/locate"
	"radiolocate/metrics"
	"radiolocate/queue"
	"radiolocate/sched"
	"radiolocate/station"
	"radiolocate/stationstore"
)

// Version is stamped at release time.
var Version = "dev"

const (
	defaultConfigPath = "data/config.yaml"
	envConfigPath     = "RADIOLOCATE_CONFIG_PATH"
)

func main() {
	// .env is optional; real env vars win over file entries.
	_ = godotenv.Load()

	configPath := strings.TrimSpace(os.Getenv(envConfigPath))
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading config from %s: %v", configPath, err)
	}
	log.Printf("Loaded configuration from %s", configPath)

	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		log.Printf("Warning: log file unavailable: %v", err)
	} else if closeLog != nil {
		defer closeLog()
	}

	log.Printf("radiolocate v%s starting...", Version)
	cfg.Print()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stations, err := stationstore.Open(cfg.Stores.StationPath, stationstore.Options{
		CacheSizeBytes:    cfg.Stores.CacheSizeMB << 20,
		MemTableSizeBytes: uint64(cfg.Stores.MemTableSizeMB) << 20,
	})
	if err != nil {
		log.Fatalf("Error opening station store: %v", err)
	}
	defer stations.Close()

	areas, err := areastore.Open(cfg.Stores.AreaPath)
	if err != nil {
		log.Fatalf("Error opening area store: %v", err)
	}
	defer areas.Close()

	q, err := queue.Open(cfg.Queue.Path, queue.Options{
		HighWaterMark: cfg.Queue.HighWater,
	})
	if err != nil {
		log.Fatalf("Error opening incoming queue: %v", err)
	}
	defer q.Close()
	log.Printf("Incoming queue ready (%d entries pending)", q.Depth())

	tracker := metrics.NewTracker()
	cache := dedup.NewCache(cfg.DedupWindow())

	var resolver *geoip.Resolver
	if cfg.GeoIP.Enabled {
		dbPath, err := geoip.CurrentPath(cfg.GeoIP.Path)
		if err == nil {
			var geoStore *geoip.Store
			geoStore, err = geoip.Open(dbPath, cfg.GeoIP.CacheSizeMB<<20)
			if err == nil {
				defer geoStore.Close()
				resolver = geoip.NewResolver(geoStore)
				log.Printf("GeoIP database loaded from %s (built %s)", dbPath,
					geoStore.BuiltAt().Format(time.RFC3339))
			}
		}
		if err != nil {
			log.Printf("Warning: geoip disabled, country fallback unavailable: %v", err)
		}
	}

	agg := aggregator.New(stations, cache, nil, tracker, geoip.CountryAt, aggregator.Config{
		MobilityThresholdM: cfg.Aggregator.MobilityThresholdM,
		MaxPendingPerShard: cfg.Aggregator.MaxPendingPerShard,
		GridResolution:     cfg.Aggregator.GridResolution,
	})

	engine := locate.NewEngine(stations, areas, resolver, tracker, locate.Config{
		ClusterToleranceM: map[station.Kind]float64{
			station.KindWifi:      cfg.Locate.WifiToleranceM,
			station.KindBluetooth: cfg.Locate.BluetoothToleranceM,
			station.KindCell:      cfg.Locate.CellToleranceM,
		},
		MinStations: map[station.Kind]int{
			station.KindWifi: cfg.Locate.MinWifiStations,
		},
	})
	// The engine is the query boundary for embedding front ends; keep a
	// startup probe so a wiring regression fails loudly here, not at the
	// first real query.
	if _, err := engine.Locate(ctx, locate.Query{}); err != locate.ErrNotFound {
		log.Printf("Warning: locate engine self-check returned %v", err)
	}

	runner := sched.NewRunner(q, agg, stations, areas, cache, tracker, sched.Config{
		MaxBatchSize: cfg.Queue.MaxBatchSize,
		MaxAge:       cfg.QueueMaxAge(),
		JobExpiry:    time.Duration(cfg.Scheduler.JobExpirySeconds) * time.Second,
	}, nil)

	scheduler := sched.NewScheduler(runner, sched.Cadence{
		Drain:   time.Duration(cfg.Scheduler.DrainSeconds) * time.Second,
		Shards:  time.Duration(cfg.Scheduler.ShardSeconds) * time.Second,
		Areas:   time.Duration(cfg.Scheduler.AreaSeconds) * time.Second,
		Monitor: time.Duration(cfg.Scheduler.MonitorSeconds) * time.Second,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Error starting scheduler: %v", err)
	}
	defer scheduler.Stop()
	log.Printf("Scheduler running (drain %ds, shards %ds, areas %ds, monitor %ds)",
		cfg.Scheduler.DrainSeconds, cfg.Scheduler.ShardSeconds,
		cfg.Scheduler.AreaSeconds, cfg.Scheduler.MonitorSeconds)

	var feed *ingest.Client
	if cfg.MQTT.Enabled {
		name := cfg.MQTT.Name
		if name == "" {
			name = "radiolocate"
		}
		feed = ingest.NewClient(cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.Topic,
			name, cfg.MQTT.Workers, q, tracker, nil)
		if err := feed.Connect(); err != nil {
			log.Printf("Warning: MQTT ingest unavailable: %v", err)
			feed = nil
		}
	}

	for _, kind := range station.Kinds {
		log.Printf("Station store: %d %s stations", stations.Count(kind), kind)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down...", sig)

	if feed != nil {
		feed.Stop()
	}
	cancel()

	// Final drain pass so reports accepted right before shutdown reach
	// the durable stores rather than waiting in pending buffers.
	final := runner.DrainQueue(context.Background())
	if final.Err != nil {
		log.Printf("Final drain failed: %v", final.Err)
	}
	for _, kind := range station.Kinds {
		for _, shardID := range station.Shards(kind) {
			if out := runner.AggregateShard(context.Background(), kind, shardID); out.Err != nil {
				log.Printf("Final aggregation %s/%s failed: %v", kind, shardID, out.Err)
			}
		}
	}
	tracker.LogSummary()
	log.Println("Shutdown complete")
}

// setupLogging mirrors log output to the configured file in addition to
// stdout. Returns a closer for the file handle.
func setupLogging(cfg config.LoggingConfig) (func(), error) {
	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return nil, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return func() {
		log.SetOutput(os.Stdout)
		_ = file.Close()
	}, nil
}
