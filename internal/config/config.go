// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type QueueConfig struct {
	Workers                  int           `yaml:"workers"`
	Depth                    int           `yaml:"depth"` // run queue capacity
	MaxConcurrentJobsPerUser int           `yaml:"max_concurrent_jobs_per_user"`
	MaxAttempts              int           `yaml:"max_attempts"` // 1 initial run + retries
	LeaseTTL                 time.Duration `yaml:"lease_ttl"`
	ReaperInterval           time.Duration `yaml:"reaper_interval"`
	ProgressWriteInterval    time.Duration `yaml:"progress_write_interval"`
	WatchPollInterval        time.Duration `yaml:"watch_poll_interval"`
	HardTimeout              time.Duration `yaml:"hard_timeout"` // job killed past this
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EngineConfig struct {
	BaseURL      string        `yaml:"base_url"` // external OMR engine
	APIKey       string        `yaml:"api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Queue    QueueConfig    `yaml:"queue"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	// Minimal validation; dev mode runs on in-memory stores.
	if !dev {
		if cfg.Database.URL == "" {
			return nil, errors.New("database.url is required")
		}
		if cfg.Redis.URL == "" {
			return nil, errors.New("redis.url is required")
		}
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.Depth <= 0 {
		cfg.Queue.Depth = 256
	}
	if cfg.Queue.MaxConcurrentJobsPerUser <= 0 {
		cfg.Queue.MaxConcurrentJobsPerUser = 3
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 2 // first run plus one retry
	}
	if cfg.Queue.LeaseTTL <= 0 {
		cfg.Queue.LeaseTTL = 30 * time.Second
	}
	if cfg.Queue.ReaperInterval <= 0 {
		cfg.Queue.ReaperInterval = 10 * time.Second
	}
	if cfg.Queue.ProgressWriteInterval <= 0 {
		cfg.Queue.ProgressWriteInterval = 500 * time.Millisecond
	}
	if cfg.Queue.WatchPollInterval <= 0 {
		cfg.Queue.WatchPollInterval = 500 * time.Millisecond
	}
	if cfg.Queue.HardTimeout <= 0 {
		cfg.Queue.HardTimeout = 10 * time.Minute
	}
	if cfg.Engine.PollInterval <= 0 {
		cfg.Engine.PollInterval = time.Second
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "auto"
	}
}
