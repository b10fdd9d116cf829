package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all gyre server configuration.
// Priority: env vars > settings.json > defaults. A .env file in the working
// directory is loaded into the environment before resolution.
type Config struct {
	DBPath    string `json:"db_path"` // file path, or "memory" for the in-memory store
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "text" or "json"
	PoolSize  int    `json:"pool_size"`
	Scheduler bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(gyreDir(), "gyre.db"),
		LogLevel:  "info",
		LogFormat: "text",
		PoolSize:  8,
		Scheduler: true,
	}
}

func gyreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gyre"
	}
	return filepath.Join(home, ".gyre")
}

func settingsPath() string {
	return filepath.Join(gyreDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GYRE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GYRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GYRE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("GYRE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("GYRE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
