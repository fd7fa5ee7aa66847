package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Store struct {
		Backend string `yaml:"backend"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subjectPrefix"`
	} `yaml:"nats"`
	Quiz struct {
		TTL  string `yaml:"ttl"`
		File string `yaml:"file"`
	} `yaml:"quiz"`
	Session struct {
		PollInterval      string `yaml:"pollInterval"`
		DefaultTimeBudget string `yaml:"defaultTimeBudget"`
		AutoAdvance       bool   `yaml:"autoAdvance"`
	} `yaml:"session"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"cors"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyEnv()
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv lets deployment secrets override the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
}

// Validate checks that the selected backend is configured and durations parse.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, "":
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("store backend redis needs redis.addr")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("store backend postgres needs postgres.url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for name, raw := range map[string]string{
		"redis.ttl":                 c.Redis.TTL,
		"quiz.ttl":                  c.Quiz.TTL,
		"session.pollInterval":      c.Session.PollInterval,
		"session.defaultTimeBudget": c.Session.DefaultTimeBudget,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
