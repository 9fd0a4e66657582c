package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
	Web         WebConfig         `yaml:"web"`
	Pool        []SpawnSpec       `yaml:"pool"`
}

// BusConfig selects the transport backend. Backend is one of "memory",
// "redis", or "nats"; an unreachable redis falls back to memory in
// degraded mode.
type BusConfig struct {
	Backend     string `yaml:"backend"`
	RedisURL    string `yaml:"redis_url"`
	NATSPort    int    `yaml:"nats_port"`
	NATSDataDir string `yaml:"nats_data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type CoordinatorConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	QueueDrainInterval time.Duration `yaml:"queue_drain_interval"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	SupervisorRole     string        `yaml:"supervisor_role"`
	AutoRecruit        bool          `yaml:"auto_recruit"`
	AssistTimeout      time.Duration `yaml:"assist_timeout"`
}

type AgentConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ContextSize       int           `yaml:"context_size"`
	HistorySize       int           `yaml:"history_size"`
	MailboxSize       int           `yaml:"mailbox_size"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// SpawnSpec describes part of the initial agent pool.
type SpawnSpec struct {
	Class string `yaml:"class"`
	Count int    `yaml:"count"`
}

func defaults() Config {
	return Config{
		Bus: BusConfig{
			Backend:     "memory",
			RedisURL:    "redis://localhost:6379/0",
			NATSPort:    4222,
			NATSDataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/agora.db",
		},
		Coordinator: CoordinatorConfig{
			MaxRetries:         3,
			RetryBackoff:       5 * time.Second,
			QueueDrainInterval: 5 * time.Second,
			HealthInterval:     30 * time.Second,
			SupervisorRole:     "project_manager",
			AssistTimeout:      30 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 10 * time.Second,
			ContextSize:       10,
			HistorySize:       50,
			MailboxSize:       64,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGORA_CONFIG")
	if path == "" {
		path = "config/agora.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGORA_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("AGORA_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("AGORA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bus.NATSPort = port
		}
	}
	if v := os.Getenv("AGORA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGORA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGORA_SUPERVISOR_ROLE"); v != "" {
		cfg.Coordinator.SupervisorRole = v
	}
}
