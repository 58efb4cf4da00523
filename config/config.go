package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Stores     StoresConfig     `yaml:"stores"`
	Queue      QueueConfig      `yaml:"queue"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Locate     LocateConfig     `yaml:"locate"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains general service settings
type ServerConfig struct {
	Name   string `yaml:"name"`
	NodeID string `yaml:"node_id"`
}

// StoresConfig contains paths and tuning for the Pebble stores
type StoresConfig struct {
	StationPath    string `yaml:"station_path"`
	AreaPath       string `yaml:"area_path"`
	CacheSizeMB    int64  `yaml:"cache_size_mb"`
	MemTableSizeMB int    `yaml:"memtable_size_mb"`
}

// QueueConfig contains the incoming report queue settings
type QueueConfig struct {
	Path          string `yaml:"path"`
	HighWater     int    `yaml:"high_water"`
	MaxBatchSize  int    `yaml:"max_batch_size"`
	MaxAgeMinutes int    `yaml:"max_age_minutes"`
}

// AggregatorConfig contains aggregation policy settings
type AggregatorConfig struct {
	MobilityThresholdM float64 `yaml:"mobility_threshold_m"`
	MaxPendingPerShard int     `yaml:"max_pending_per_shard"`
	GridResolution     int     `yaml:"grid_resolution"`
	DedupWindowMinutes int     `yaml:"dedup_window_minutes"`
}

// LocateConfig contains clustering tolerances per station kind
type LocateConfig struct {
	WifiToleranceM      float64 `yaml:"wifi_tolerance_m"`
	BluetoothToleranceM float64 `yaml:"bluetooth_tolerance_m"`
	CellToleranceM      float64 `yaml:"cell_tolerance_m"`
	MinWifiStations     int     `yaml:"min_wifi_stations"`
}

// SchedulerConfig contains job cadence settings, all in seconds
type SchedulerConfig struct {
	DrainSeconds     int `yaml:"drain_seconds"`
	ShardSeconds     int `yaml:"shard_seconds"`
	AreaSeconds      int `yaml:"area_seconds"`
	MonitorSeconds   int `yaml:"monitor_seconds"`
	JobExpirySeconds int `yaml:"job_expiry_seconds"`
}

// MQTTConfig contains report ingestion broker settings
type MQTTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
	Port    int    `yaml:"port"`
	Topic   string `yaml:"topic"`
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
}

// GeoIPConfig contains the country fallback database settings
type GeoIPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	CacheSizeMB int64  `yaml:"cache_size_mb"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load loads configuration from a YAML file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Stores.StationPath == "" {
		c.Stores.StationPath = "data/stations"
	}
	if c.Stores.AreaPath == "" {
		c.Stores.AreaPath = "data/areas"
	}
	if c.Queue.Path == "" {
		c.Queue.Path = "data/queue.db"
	}
	if c.Queue.HighWater <= 0 {
		c.Queue.HighWater = 50_000
	}
	if c.Queue.MaxBatchSize <= 0 {
		c.Queue.MaxBatchSize = 1000
	}
	if c.Queue.MaxAgeMinutes <= 0 {
		c.Queue.MaxAgeMinutes = 360
	}
	if c.Aggregator.MobilityThresholdM <= 0 {
		c.Aggregator.MobilityThresholdM = 5_000
	}
	if c.Aggregator.DedupWindowMinutes <= 0 {
		c.Aggregator.DedupWindowMinutes = 60
	}
	if c.Scheduler.DrainSeconds <= 0 {
		c.Scheduler.DrainSeconds = 5
	}
	if c.Scheduler.ShardSeconds <= 0 {
		c.Scheduler.ShardSeconds = 10
	}
	if c.Scheduler.AreaSeconds <= 0 {
		c.Scheduler.AreaSeconds = 14
	}
	if c.Scheduler.MonitorSeconds <= 0 {
		c.Scheduler.MonitorSeconds = 60
	}
	if c.Scheduler.JobExpirySeconds <= 0 {
		c.Scheduler.JobExpirySeconds = 30
	}
	if c.MQTT.Workers <= 0 {
		c.MQTT.Workers = 4
	}
}

// QueueMaxAge returns the stale-entry cutoff as a duration.
func (c *Config) QueueMaxAge() time.Duration {
	return time.Duration(c.Queue.MaxAgeMinutes) * time.Minute
}

// DedupWindow returns the duplicate suppression window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Aggregator.DedupWindowMinutes) * time.Minute
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Server: %s (%s)\n", c.Server.Name, c.Server.NodeID)
	fmt.Printf("Stores: stations=%s areas=%s\n", c.Stores.StationPath, c.Stores.AreaPath)
	fmt.Printf("Queue: %s (high water %d, batch %d, max age %dm)\n",
		c.Queue.Path, c.Queue.HighWater, c.Queue.MaxBatchSize, c.Queue.MaxAgeMinutes)
	fmt.Printf("Aggregator: mobility=%.0fm grid res=%d\n",
		c.Aggregator.MobilityThresholdM, c.Aggregator.GridResolution)
	fmt.Printf("Scheduler: drain=%ds shards=%ds areas=%ds monitor=%ds\n",
		c.Scheduler.DrainSeconds, c.Scheduler.ShardSeconds, c.Scheduler.AreaSeconds, c.Scheduler.MonitorSeconds)
	if c.MQTT.Enabled {
		fmt.Printf("MQTT ingest: %s:%d (topic: %s)\n", c.MQTT.Broker, c.MQTT.Port, c.MQTT.Topic)
	}
	if c.GeoIP.Enabled {
		fmt.Printf("GeoIP: %s\n", c.GeoIP.Path)
	}
}
