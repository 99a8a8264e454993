// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all transfer pipeline configuration. The core treats every
// value as fixed at startup.
type Config struct {
	// Servers
	HealthAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// NAS mount
	MountRoot          string
	ScanInterval       time.Duration
	QuiesceInterval    time.Duration
	FullRescanInterval time.Duration

	// Broker
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaDeadletter string
	KafkaGroupID    string

	// Object store
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Uploader
	PartSize       int64
	SweepInterval  time.Duration
	SweepOlderThan time.Duration

	// Checkpoint store
	CheckpointPath string

	// Retry policy
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration

	// Consumer pool
	Workers int

	// Shutdown
	GracePeriod time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HealthAddr:  envOr("HEALTH_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),

		MountRoot:          envOr("MOUNT_ROOT", "/data/nas"),
		ScanInterval:       envDuration("SCAN_INTERVAL", 30*time.Second),
		QuiesceInterval:    envDuration("QUIESCE_INTERVAL", 10*time.Second),
		FullRescanInterval: envDuration("FULL_RESCAN_INTERVAL", time.Hour),

		KafkaBrokers:    splitList(envOr("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      envOr("KAFKA_TOPIC", "nasferry.transfers"),
		KafkaDeadletter: envOr("KAFKA_DEADLETTER_TOPIC", ""),
		KafkaGroupID:    envOr("KAFKA_GROUP_ID", "nasferry-consumer-group"),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:    envOr("S3_BUCKET", "nasferry"),
		S3Prefix:    envOr("S3_PREFIX", "nasferry"),
		S3AccessKey: envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:    envOr("S3_REGION", "us-east-1"),

		PartSize:       envInt64("UPLOAD_PART_SIZE", 8*1024*1024),
		SweepInterval:  envDuration("UPLOAD_SWEEP_INTERVAL", 15*time.Minute),
		SweepOlderThan: envDuration("UPLOAD_SWEEP_OLDER_THAN", time.Hour),

		CheckpointPath: envOr("CHECKPOINT_PATH", "/data/nasferry/checkpoints.db"),

		MaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 5),
		InitialWait: envDuration("RETRY_INITIAL_WAIT", 500*time.Millisecond),
		MaxWait:     envDuration("RETRY_MAX_WAIT", 30*time.Second),

		Workers: envInt("CONSUMER_WORKERS", 2),

		GracePeriod: envDuration("SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.KafkaDeadletter == "" {
		cfg.KafkaDeadletter = cfg.KafkaTopic + ".deadletter"
	}

	if cfg.MountRoot == "" {
		return nil, fmt.Errorf("MOUNT_ROOT is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required")
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("CONSUMER_WORKERS must be at least 1")
	}
	// The object-store-unreachable recovery path needs headroom for a few
	// transient failures before an event is dead-lettered.
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.PartSize < 5*1024*1024 {
		return nil, fmt.Errorf("UPLOAD_PART_SIZE must be at least 5 MiB (S3 multipart minimum)")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
