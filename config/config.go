package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Port       int
	DataDir    string
	StagingDir string
	OutputDir  string

	// Storage selects the record store backend: "sqlite" (durable,
	// survives restarts) or "memory" (throwaway, for dev).
	Storage string

	FFmpegPath  string
	FFprobePath string

	MaxConcurrentJobs int
	MaxActivePerKey   int
	MaxAttempts       int

	MonitorInterval time.Duration
	StallThreshold  time.Duration
	MaxJobAge       time.Duration
	RecordRetention time.Duration

	// Deadline formula overrides. The remaining surcharge constants
	// keep their compiled-in defaults.
	DeadlineBase            time.Duration
	DeadlinePerSourceMinute time.Duration
	DeadlineSafetyBuffer    float64
	DeadlineMaxTotal        time.Duration
}

func Load() (*Config, error) {
	port, err := envInt("PORT", 7911)
	if err != nil {
		return nil, err
	}

	maxConcurrent, err := envInt("MAX_CONCURRENT_JOBS", 4)
	if err != nil {
		return nil, err
	}
	maxActivePerKey, err := envInt("MAX_ACTIVE_PER_KEY", 1)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := envInt("MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}

	monitorInterval, err := envDuration("MONITOR_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	stallThreshold, err := envDuration("STALL_THRESHOLD", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	maxJobAge, err := envDuration("MAX_JOB_AGE", 2*time.Hour)
	if err != nil {
		return nil, err
	}
	recordRetention, err := envDuration("RECORD_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	deadlineBase, err := envDuration("DEADLINE_BASE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	deadlinePerMinute, err := envDuration("DEADLINE_PER_SOURCE_MINUTE", 90*time.Second)
	if err != nil {
		return nil, err
	}
	deadlineBuffer, err := envFloat("DEADLINE_SAFETY_BUFFER", 0.25)
	if err != nil {
		return nil, err
	}
	deadlineMaxTotal, err := envDuration("DEADLINE_MAX_TOTAL", 60*time.Minute)
	if err != nil {
		return nil, err
	}

	storage := getEnv("STORAGE", "sqlite")
	if storage != "sqlite" && storage != "memory" {
		return nil, fmt.Errorf("invalid STORAGE: %q (want sqlite or memory)", storage)
	}

	dataDir := getEnv("DATA_DIR", "/data")

	return &Config{
		Port:       port,
		DataDir:    dataDir,
		StagingDir: getEnv("STAGING_DIR", filepath.Join(dataDir, "staging")),
		OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(dataDir, "output")),

		Storage:     storage,
		FFmpegPath:  os.Getenv("FFMPEG_PATH"),
		FFprobePath: os.Getenv("FFPROBE_PATH"),

		MaxConcurrentJobs: maxConcurrent,
		MaxActivePerKey:   maxActivePerKey,
		MaxAttempts:       maxAttempts,

		MonitorInterval: monitorInterval,
		StallThreshold:  stallThreshold,
		MaxJobAge:       maxJobAge,
		RecordRetention: recordRetention,

		DeadlineBase:            deadlineBase,
		DeadlinePerSourceMinute: deadlinePerMinute,
		DeadlineSafetyBuffer:    deadlineBuffer,
		DeadlineMaxTotal:        deadlineMaxTotal,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
