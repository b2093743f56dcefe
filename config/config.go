package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type ViewSyncConfiguration struct {
	DSN            string
	ManagementDSN  string
	Database       string
	LogLevel       string
	LogPretty      bool
	RolloutWorkers int
	WriteRetries   int
	MetricsAddr    string
}

// LoadEnvConfig reads the configuration from the environment after loading
// configName as a dotenv file. A missing file is not an error; variables
// already set in the environment win over the file.
func LoadEnvConfig(configName string) (ViewSyncConfiguration, error) {
	if configName != "" {
		if err := godotenv.Load(configName); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ViewSyncConfiguration{}, fmt.Errorf("load %s: %w", configName, err)
		}
	}

	cfg := ViewSyncConfiguration{
		DSN:           os.Getenv("VIEWSYNC_DSN"),
		ManagementDSN: os.Getenv("VIEWSYNC_MANAGEMENT_DSN"),
		Database:      getenv("VIEWSYNC_DATABASE", "viewsync"),
		LogLevel:      getenv("VIEWSYNC_LOG_LEVEL", "info"),
		MetricsAddr:   getenv("VIEWSYNC_METRICS_ADDR", ":9102"),
	}

	var err error
	if cfg.LogPretty, err = parseBool("VIEWSYNC_LOG_PRETTY", false); err != nil {
		return ViewSyncConfiguration{}, err
	}
	if cfg.RolloutWorkers, err = parsePositiveInt("VIEWSYNC_ROLLOUT_WORKERS", 4); err != nil {
		return ViewSyncConfiguration{}, err
	}
	if cfg.WriteRetries, err = parsePositiveInt("VIEWSYNC_WRITE_RETRIES", 5); err != nil {
		return ViewSyncConfiguration{}, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse integer %s: %w", key, err)
	}
	if v < 1 {
		return 0, fmt.Errorf("%s must be at least 1, got %d", key, v)
	}
	return v, nil
}
