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

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SchedulerConfig struct {
	BaseURL       string `yaml:"base_url"`
	Enabled       bool   `yaml:"enabled"` // false runs the system detached from the scheduler
	DatasetBucket string `yaml:"dataset_bucket"`
	EnvName       string `yaml:"env_name"` // "dev"/"prod" forwarded as override_env
}

type UpdaterConfig struct {
	Interval        time.Duration `yaml:"interval"`
	CompletedWindow time.Duration `yaml:"completed_window"` // trailing window for late events on COMPLETED jobs
	LockTTL         time.Duration `yaml:"lock_ttl"`
}

type PubSubConfig struct {
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	Workers  int    `yaml:"workers"`
}

type BillingConfig struct {
	MinJobCredits float64       `yaml:"min_job_credits"` // balance floor required to create a job
	SettleDelay   time.Duration `yaml:"settle_delay"`    // wait after an offline charge before re-checking balance
}

type StripeConfig struct {
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // overridable for tests
}

type APIConfig struct {
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Updater   UpdaterConfig   `yaml:"updater"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Billing   BillingConfig   `yaml:"billing"`
	Stripe    StripeConfig    `yaml:"stripe"`
	API       APIConfig       `yaml:"api"`

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
	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Updater.Interval <= 0 {
		cfg.Updater.Interval = time.Minute
	}
	if cfg.Updater.CompletedWindow <= 0 {
		cfg.Updater.CompletedWindow = 10 * time.Minute
	}
	if cfg.Updater.LockTTL <= 0 {
		cfg.Updater.LockTTL = 5 * time.Minute
	}
	if cfg.PubSub.Stream == "" {
		cfg.PubSub.Stream = "jobs:events"
	}
	if cfg.PubSub.Group == "" {
		cfg.PubSub.Group = "api"
	}
	if cfg.PubSub.Workers <= 0 {
		cfg.PubSub.Workers = 4
	}
	if cfg.Billing.MinJobCredits <= 0 {
		cfg.Billing.MinJobCredits = 1.0
	}
	if cfg.Billing.SettleDelay <= 0 {
		cfg.Billing.SettleDelay = 20 * time.Second
	}
	if cfg.Stripe.BaseURL == "" {
		cfg.Stripe.BaseURL = "https://api.stripe.com"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Scheduler.Enabled && cfg.Scheduler.BaseURL == "" {
		return nil, errors.New("scheduler.base_url is required when scheduler.enabled is true")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
