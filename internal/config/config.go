package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr   string `toml:"addr"`
	DBPath string `toml:"db_path"`

	Decision  DecisionConfig  `toml:"decision"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	World     WorldConfig     `toml:"world"`

	Raw  map[string]any `toml:"-"`
	Path string         `toml:"-"`
}

type DecisionConfig struct {
	Endpoint       string `toml:"endpoint"`
	Model          string `toml:"model"`
	APIKeyEnv      string `toml:"api_key_env"`
	TimeoutMS      int    `toml:"timeout_ms"`
	Retries        int    `toml:"retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
	MaxTokens      int    `toml:"max_tokens"`
	MockLatencyMS  int    `toml:"mock_latency_ms"`
}

type SchedulerConfig struct {
	UpdateIntervalMS int `toml:"update_interval_ms"`
	QueueCapacity    int `toml:"queue_capacity"`
	FailureThreshold int `toml:"failure_threshold"`
	ProbeIntervalMS  int `toml:"probe_interval_ms"`
	TickRate         int `toml:"tick_rate"`
}

type WorldConfig struct {
	Width     int `toml:"width"`
	Height    int `toml:"height"`
	Villagers int `toml:"villagers"`
	Guards    int `toml:"guards"`
	Merchants int `toml:"merchants"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && path == "" {
			// No config file is fine; everything has a default.
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".npcmind/config.toml"
	}
	return filepath.Join(home, ".npcmind", "config.toml")
}
