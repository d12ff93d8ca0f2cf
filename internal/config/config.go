package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"killboard/internal/battle"
)

// Config holds runtime configuration for the battle worker service.
type Config struct {
	DBURL      string
	RedisURL   string
	RedisQueue string

	WorkerCount   int
	JobBufferSize int

	// Clustering policy. The gap bounds a battle's inactivity window, the
	// link window bounds cross-system merge detection.
	BattleGap        time.Duration
	LinkWindow       time.Duration
	MaxSides         int
	ClusterNPCOnly   bool
	CASMaxRetries    int
	FinalizeInterval time.Duration
}

// Load builds a Config from environment variables, with a .env overlay for
// local development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBURL:            os.Getenv("DB_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RedisQueue:       os.Getenv("REDIS_QUEUE"),
		WorkerCount:      4,
		JobBufferSize:    64,
		BattleGap:        60 * time.Minute,
		LinkWindow:       10 * time.Minute,
		MaxSides:         6,
		CASMaxRetries:    5,
		FinalizeInterval: 2 * time.Minute,
	}

	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	if cfg.RedisQueue == "" {
		cfg.RedisQueue = "killmails"
	}

	var err error
	if cfg.WorkerCount, err = intEnv("WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.JobBufferSize, err = intEnv("JOB_BUFFER_SIZE", cfg.JobBufferSize); err != nil {
		return nil, err
	}
	if cfg.MaxSides, err = intEnv("MAX_SIDES", cfg.MaxSides); err != nil {
		return nil, err
	}
	if cfg.CASMaxRetries, err = intEnv("CAS_MAX_RETRIES", cfg.CASMaxRetries); err != nil {
		return nil, err
	}
	if cfg.BattleGap, err = durationEnv("BATTLE_GAP", cfg.BattleGap); err != nil {
		return nil, err
	}
	if cfg.LinkWindow, err = durationEnv("LINK_WINDOW", cfg.LinkWindow); err != nil {
		return nil, err
	}
	if cfg.FinalizeInterval, err = durationEnv("FINALIZE_INTERVAL", cfg.FinalizeInterval); err != nil {
		return nil, err
	}
	if cfg.ClusterNPCOnly, err = boolEnv("CLUSTER_NPC_ONLY", false); err != nil {
		return nil, err
	}

	if cfg.MaxSides > battle.MaxSideLabels {
		return nil, fmt.Errorf("MAX_SIDES must not exceed %d", battle.MaxSideLabels)
	}

	if cfg.LinkWindow > cfg.BattleGap {
		return nil, fmt.Errorf("LINK_WINDOW must not exceed BATTLE_GAP")
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return v, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, raw)
	}
	return v, nil
}
