package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/autoflow/internal/scheduler"
)

// Config holds all autoflow configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	ListenAddr           string `json:"listen_addr" yaml:"listen_addr"`
	DBPath               string `json:"db_path" yaml:"db_path"`
	LogLevel             string `json:"log_level" yaml:"log_level"`
	LogFormat            string `json:"log_format" yaml:"log_format"`
	PoolSize             int    `json:"pool_size" yaml:"pool_size"`
	SweepBatchSize       int    `json:"sweep_batch_size" yaml:"sweep_batch_size"`
	SweepSchedule        string `json:"sweep_schedule" yaml:"sweep_schedule"`
	SweepEnabled         bool   `json:"sweep_enabled" yaml:"sweep_enabled"`
	RedisURL             string `json:"redis_url" yaml:"redis_url"`
	NATSURL              string `json:"nats_url" yaml:"nats_url"`
	MessageSubjectPrefix string `json:"message_subject_prefix" yaml:"message_subject_prefix"`
	WebhookTimeout       string `json:"webhook_timeout" yaml:"webhook_timeout"`
	MetricsNamespace     string `json:"metrics_namespace" yaml:"metrics_namespace"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		DBPath:           filepath.Join(autoflowDir(), "autoflow.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         10,
		SweepBatchSize:   100,
		SweepSchedule:    scheduler.DefaultSchedule,
		SweepEnabled:     true,
		WebhookTimeout:   "30s",
		MetricsNamespace: "autoflow",
	}
}

func autoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

func settingsPath() string {
	return filepath.Join(autoflowDir(), "settings.json")
}

// loadConfig layers defaults, the settings file and AUTOFLOW_* env vars.
// An explicit path must exist; the default settings file may be missing.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeSettings(path, data, &cfg); err != nil {
			return Config{}, err
		}
	case explicit || !os.IsNotExist(err):
		return Config{}, fmt.Errorf("read settings %s: %w", path, err)
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeSettings(path string, data []byte, cfg *Config) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := map[string]*string{
		"AUTOFLOW_LISTEN_ADDR":            &cfg.ListenAddr,
		"AUTOFLOW_DB_PATH":                &cfg.DBPath,
		"AUTOFLOW_LOG_LEVEL":              &cfg.LogLevel,
		"AUTOFLOW_LOG_FORMAT":             &cfg.LogFormat,
		"AUTOFLOW_SWEEP_SCHEDULE":         &cfg.SweepSchedule,
		"AUTOFLOW_REDIS_URL":              &cfg.RedisURL,
		"AUTOFLOW_NATS_URL":               &cfg.NATSURL,
		"AUTOFLOW_MESSAGE_SUBJECT_PREFIX": &cfg.MessageSubjectPrefix,
		"AUTOFLOW_WEBHOOK_TIMEOUT":        &cfg.WebhookTimeout,
		"AUTOFLOW_METRICS_NAMESPACE":      &cfg.MetricsNamespace,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"AUTOFLOW_POOL_SIZE":        &cfg.PoolSize,
		"AUTOFLOW_SWEEP_BATCH_SIZE": &cfg.SweepBatchSize,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := getenv("AUTOFLOW_SWEEP_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTOFLOW_SWEEP_ENABLED: %w", err)
		}
		cfg.SweepEnabled = b
	}
	return nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("sweep_batch_size must be >= 1, got %d", c.SweepBatchSize)
	}
	if _, err := scheduler.ParseSchedule(c.SweepSchedule); err != nil {
		return err
	}
	if _, err := c.webhookTimeout(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) webhookTimeout() (time.Duration, error) {
	if c.WebhookTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.WebhookTimeout)
	if err != nil {
		return 0, fmt.Errorf("webhook_timeout: %w", err)
	}
	return d, nil
}
