package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the reservation server.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Reclaimer ReclaimerConfig `yaml:"reclaimer"`
	Audit     AuditConfig     `yaml:"audit"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Publisher PublisherConfig `yaml:"publisher"`

	Seed []SeedItem `yaml:"seed"`
}

type StorageConfig struct {
	// Driver is "memory" or "mysql".
	Driver          string        `yaml:"driver"`
	MySQLDSN        string        `yaml:"mysql_dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the shared display cache and distributed locks when
// Addr is set; otherwise an in-process cache is used.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type ReclaimerConfig struct {
	TTL       time.Duration `yaml:"ttl"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type AuditConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type GatewayConfig struct {
	BaseURL      string        `yaml:"base_url"`
	CommerceCode string        `yaml:"commerce_code"`
	APIKey       string        `yaml:"api_key"`
	ReturnURL    string        `yaml:"return_url"`
	ResultURL    string        `yaml:"result_url"`
	Timeout      time.Duration `yaml:"timeout"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Burst        int           `yaml:"burst"`
}

type PublisherConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type SeedItem struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	ImageURL    string `yaml:"image_url"`
	Price       int    `yaml:"price"`
	Stock       int    `yaml:"stock"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		Storage: StorageConfig{
			Driver:          "memory",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{PoolSize: 100},
		Reclaimer: ReclaimerConfig{
			TTL:       10 * time.Minute,
			Interval:  time.Minute,
			BatchSize: 500,
		},
		Audit: AuditConfig{Interval: 5 * time.Minute},
		Gateway: GatewayConfig{
			BaseURL:      "https://webpay3gint.transbank.cl",
			CommerceCode: "597055555532",
			ReturnURL:    "http://localhost:8080/commit",
			Timeout:      10 * time.Second,
			RatePerSec:   20,
			Burst:        10,
		},
		Publisher: PublisherConfig{Workers: 4, QueueSize: 10000},
	}
}

// Load reads the YAML file at path when it is non-empty, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr("HTTP_ADDR", &cfg.HTTPAddr)
	setStr("GRPC_ADDR", &cfg.GRPCAddr)
	setStr("LOG_LEVEL", &cfg.LogLevel)
	setStr("STORAGE_DRIVER", &cfg.Storage.Driver)
	setStr("MYSQL_DSN", &cfg.Storage.MySQLDSN)
	setStr("REDIS_ADDR", &cfg.Redis.Addr)
	setStr("REDIS_PASSWORD", &cfg.Redis.Password)
	setStr("WEBPAY_BASE_URL", &cfg.Gateway.BaseURL)
	setStr("WEBPAY_COMMERCE_CODE", &cfg.Gateway.CommerceCode)
	setStr("WEBPAY_API_KEY", &cfg.Gateway.APIKey)
	setStr("WEBPAY_RETURN_URL", &cfg.Gateway.ReturnURL)
	setStr("WEBPAY_RESULT_URL", &cfg.Gateway.ResultURL)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"RESERVATION_TTL", &cfg.Reclaimer.TTL},
		{"SWEEP_INTERVAL", &cfg.Reclaimer.Interval},
		{"AUDIT_INTERVAL", &cfg.Audit.Interval},
		{"WEBPAY_TIMEOUT", &cfg.Gateway.Timeout},
	}
	for _, d := range durations {
		if err := setDuration(d.key, d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REDIS_DB", &cfg.Redis.DB},
		{"SWEEP_BATCH_SIZE", &cfg.Reclaimer.BatchSize},
		{"PUBLISH_WORKERS", &cfg.Publisher.Workers},
	}
	for _, i := range ints {
		if err := setInt(i.key, i.dst); err != nil {
			return err
		}
	}
	return nil
}

func setStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log_level %q, must be one of: debug, info, warn, error", c.LogLevel))
	}

	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.MySQLDSN == "" {
			errs = append(errs, errors.New("storage.mysql_dsn is required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage.driver %q, must be memory or mysql", c.Storage.Driver))
	}

	if c.Reclaimer.TTL <= 0 {
		errs = append(errs, errors.New("reclaimer.ttl must be positive"))
	}
	if c.Reclaimer.Interval <= 0 {
		errs = append(errs, errors.New("reclaimer.interval must be positive"))
	}
	if c.Reclaimer.BatchSize <= 0 {
		errs = append(errs, errors.New("reclaimer.batch_size must be positive"))
	}
	if c.Audit.Interval <= 0 {
		errs = append(errs, errors.New("audit.interval must be positive"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, errors.New("gateway.timeout must be positive"))
	}
	if c.Publisher.Workers <= 0 || c.Publisher.QueueSize <= 0 {
		errs = append(errs, errors.New("publisher.workers and publisher.queue_size must be positive"))
	}

	seen := make(map[string]bool, len(c.Seed))
	for i, it := range c.Seed {
		switch {
		case it.ID == "":
			errs = append(errs, fmt.Errorf("seed[%d]: id is required", i))
		case seen[it.ID]:
			errs = append(errs, fmt.Errorf("seed[%d]: duplicate id %q", i, it.ID))
		case it.Price < 0 || it.Stock < 0:
			errs = append(errs, fmt.Errorf("seed[%d]: price and stock must not be negative", i))
		}
		seen[it.ID] = true
	}

	return errors.Join(errs...)
}
