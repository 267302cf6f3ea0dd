package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       int
	LogLevel   zerolog.Level
	StateDir   string
	DBPath     string
	SweepToken string
	SweepEvery time.Duration
	SweepBatch int
}

// fileConfig is the optional YAML file shape; env always wins.
type fileConfig struct {
	Port       int    `yaml:"port"`
	LogLevel   string `yaml:"logLevel"`
	StateDir   string `yaml:"stateDir"`
	DBPath     string `yaml:"dbPath"`
	SweepToken string `yaml:"sweepToken"`
	SweepEvery string `yaml:"sweepEvery"`
	SweepBatch int    `yaml:"sweepBatch"`
}

// FromEnv builds the configuration from defaults, then the YAML file
// named by OPSD_CONFIG (if any), then OPSD_* environment variables.
func FromEnv() Config {
	cfg := Config{
		Port:       9070,
		LogLevel:   zerolog.InfoLevel,
		StateDir:   "/var/lib/opsdesk",
		SweepEvery: time.Minute,
		SweepBatch: 100,
	}

	if path := os.Getenv("OPSD_CONFIG"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if yaml.Unmarshal(b, &fc) == nil {
				applyFile(&cfg, fc)
			}
		}
	}

	if v := os.Getenv("OPSD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv("OPSD_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}
	if v := os.Getenv("OPSD_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("OPSD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPSD_SWEEP_TOKEN"); v != "" {
		cfg.SweepToken = v
	}
	if v := os.Getenv("OPSD_SWEEP_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.SweepEvery = d
		}
	}
	if v := os.Getenv("OPSD_SWEEP_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SweepBatch = n
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.StateDir + "/changes.db"
	}
	return cfg
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if fc.LogLevel != "" {
		if l, err := zerolog.ParseLevel(fc.LogLevel); err == nil {
			cfg.LogLevel = l
		}
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.SweepToken != "" {
		cfg.SweepToken = fc.SweepToken
	}
	if fc.SweepEvery != "" {
		if d, err := time.ParseDuration(fc.SweepEvery); err == nil && d >= 0 {
			cfg.SweepEvery = d
		}
	}
	if fc.SweepBatch > 0 {
		cfg.SweepBatch = fc.SweepBatch
	}
}
