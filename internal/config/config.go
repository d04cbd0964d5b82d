package config

import (
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Mode selects the storage backend, resolved once at startup.
type Mode string

const (
	ModeFile       Mode = "file"
	ModeRelational Mode = "relational"
)

const (
	MinPoolSize     = 1
	MaxPoolSize     = 100
	DefaultPoolSize = 10
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Retry     RetryConfig     `yaml:"retry"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Autopay   AutopayConfig   `yaml:"autopay"`
	Export    ExportConfig    `yaml:"export"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"SERVER_PORT"`
}

type StorageConfig struct {
	Mode     Mode   `yaml:"mode" env:"LEDGER_MODE"`
	FilePath string `yaml:"file_path" env:"LEDGER_FILE"`
}

type DatabaseConfig struct {
	Driver string     `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN    string     `yaml:"dsn" env:"DATABASE_DSN"`
	Pool   PoolConfig `yaml:"pool"`
}

type PoolConfig struct {
	Size           int           `yaml:"size" env:"DATABASE_POOL_SIZE"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AutopayConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ExportConfig confines export files to one directory.
type ExportConfig struct {
	Dir string `yaml:"dir" env:"LEDGER_EXPORT_DIR"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Load reads the yaml file, applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return Parse(data)
}

// Parse decodes a yaml document; exported for tests and embedded configs.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = ModeRelational
	}
	if c.Storage.FilePath == "" {
		c.Storage.FilePath = "balances.yml"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.Pool.AcquireTimeout == 0 {
		c.Database.Pool.AcquireTimeout = 5 * time.Second
	}
	if c.Database.Pool.MaxIdleTime == 0 {
		c.Database.Pool.MaxIdleTime = time.Minute
	}
	if c.Database.Pool.MaxLifetime == 0 {
		c.Database.Pool.MaxLifetime = 30 * time.Minute
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 200 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 5 * time.Minute
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.Autopay.TickInterval == 0 {
		c.Autopay.TickInterval = time.Second
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "exports"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case ModeFile, ModeRelational:
	default:
		return fmt.Errorf("config: unknown storage mode %q", c.Storage.Mode)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Storage.Mode == ModeRelational && c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required in relational mode")
	}
	return nil
}

// HasDatabase reports whether a relational database is configured, which
// migration needs even in file mode.
func (c *Config) HasDatabase() bool {
	return c.Database.DSN != ""
}

// ClampPoolSize returns the pool size forced into [MinPoolSize, MaxPoolSize]
// and whether the configured value had to be changed. Zero means default.
func (p PoolConfig) ClampPoolSize() (int, bool) {
	switch {
	case p.Size == 0:
		return DefaultPoolSize, false
	case p.Size < MinPoolSize:
		return MinPoolSize, true
	case p.Size > MaxPoolSize:
		return MaxPoolSize, true
	}
	return p.Size, false
}
