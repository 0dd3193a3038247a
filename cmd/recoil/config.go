package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all recoil server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	WorkspaceRoot   string `json:"workspace_root"`
	LogLevel        string `json:"log_level"`
	StepConcurrency int    `json:"step_concurrency"`
	UndoCapacity    int    `json:"undo_capacity"`
	Scheduler       bool   `json:"scheduler"`
}

func defaultConfig() Config {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return Config{
		DBPath:          filepath.Join(recoilDir(), "recoil.db"),
		WorkspaceRoot:   wd,
		LogLevel:        "info",
		StepConcurrency: 4,
		UndoCapacity:    100,
		Scheduler:       true,
	}
}

func recoilDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recoil"
	}
	return filepath.Join(home, ".recoil")
}

func settingsPath() string {
	return filepath.Join(recoilDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RECOIL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RECOIL_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("RECOIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RECOIL_STEP_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepConcurrency = n
		}
	}
	if v := os.Getenv("RECOIL_UNDO_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UndoCapacity = n
		}
	}
	if v := os.Getenv("RECOIL_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
