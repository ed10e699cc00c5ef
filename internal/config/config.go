// Package config loads application configuration from defaults, an optional
// YAML file and ALARMRELAY_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nesting levels are
// separated by a double underscore: ALARMRELAY_SERVER__PORT=8080.
const EnvPrefix = "ALARMRELAY_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Tenant config sources.
const (
	TenantSourceStorage = "storage"
	TenantSourceFile    = "file"
)

// Config is the application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	CORS       CORSConfig       `koanf:"cors"`
	Auth       AuthConfig       `koanf:"auth"`
	Storage    StorageConfig    `koanf:"storage"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Priority   PriorityConfig   `koanf:"priority"`
	Tenants    TenantsConfig    `koanf:"tenants"`
	Cleanup    CleanupConfig    `koanf:"cleanup"`
	AMQP       AMQPConfig       `koanf:"amqp"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig contains API authentication settings. No tokens disables auth.
type AuthConfig struct {
	Tokens []string `koanf:"tokens"`
}

// StorageConfig selects the queue backend.
type StorageConfig struct {
	Backend string `koanf:"backend" validate:"oneof=memory postgres redis"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// RedisConfig contains Redis settings.
type RedisConfig struct {
	Addr            string        `koanf:"addr"`
	Password        string        `koanf:"password"`
	DB              int           `koanf:"db" validate:"gte=0"`
	PoolSize        int           `koanf:"pool_size" validate:"gte=0"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
}

// TelegramConfig contains outbound client settings and the default
// credentials used for tenants without their own.
type TelegramConfig struct {
	APIURL    string        `koanf:"api_url"`
	RateLimit float64       `koanf:"rate_limit" validate:"gte=0"`
	Timeout   time.Duration `koanf:"timeout"`
	BotToken  string        `koanf:"bot_token"`
	ChatID    string        `koanf:"chat_id"`
}

// DispatcherConfig contains dispatcher loop settings and the default rate control.
type DispatcherConfig struct {
	Enabled                    bool          `koanf:"enabled"`
	TickInterval               time.Duration `koanf:"tick_interval"`
	MaxConcurrentTenants       int           `koanf:"max_concurrent_tenants" validate:"gte=1"`
	SendTimeout                time.Duration `koanf:"send_timeout"`
	BatchSize                  int           `koanf:"batch_size" validate:"gte=1"`
	DelayBetweenBatchesSeconds int           `koanf:"delay_between_batches_seconds" validate:"gte=1"`
	MaxRetries                 int           `koanf:"max_retries" validate:"gte=1"`
	RetryBackoff               string        `koanf:"retry_backoff" validate:"oneof=exponential linear"`
	BaseDelaySeconds           int           `koanf:"base_delay_seconds" validate:"gte=1"`
	Priorities                 []int         `koanf:"priorities" validate:"dive,min=1,max=4"`
}

// PriorityConfig contains priority resolution settings.
type PriorityConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// TenantsConfig selects where tenant configs are read from.
type TenantsConfig struct {
	Source string `koanf:"source" validate:"oneof=storage file"`
	File   string `koanf:"file"`
}

// CleanupConfig contains maintenance schedule settings.
type CleanupConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Schedule         string        `koanf:"schedule"`
	RecoverySchedule string        `koanf:"recovery_schedule"`
	RetentionDays    int           `koanf:"retention_days" validate:"gte=1"`
	StuckAfter       time.Duration `koanf:"stuck_after"`
}

// AMQPConfig contains RabbitMQ consumer settings.
type AMQPConfig struct {
	Enabled         bool   `koanf:"enabled"`
	URL             string `koanf:"url"`
	Exchange        string `koanf:"exchange"`
	Queue           string `koanf:"queue"`
	RoutingKey      string `koanf:"routing_key"`
	Prefetch        int    `koanf:"prefetch" validate:"gte=0"`
	ConnectAttempts int    `koanf:"connect_attempts" validate:"gte=1"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{},
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        10,
			DialTimeout:     5 * time.Second,
			ConnectAttempts: 5,
		},
		Telegram: TelegramConfig{
			RateLimit: 25,
			Timeout:   10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Enabled:                    true,
			TickInterval:               5 * time.Second,
			MaxConcurrentTenants:       4,
			SendTimeout:                15 * time.Second,
			BatchSize:                  10,
			DelayBetweenBatchesSeconds: 60,
			MaxRetries:                 3,
			RetryBackoff:               "exponential",
			BaseDelaySeconds:           10,
		},
		Priority: PriorityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Tenants: TenantsConfig{
			Source: TenantSourceStorage,
		},
		Cleanup: CleanupConfig{
			Enabled:          true,
			Schedule:         "@daily",
			RecoverySchedule: "@every 1m",
			RetentionDays:    30,
			StuckAfter:       5 * time.Minute,
		},
		AMQP: AMQPConfig{
			Exchange:        "alarms",
			Queue:           "alarm-relay.events",
			RoutingKey:      "alarm.#",
			Prefetch:        50,
			ConnectAttempts: 5,
		},
	}
}

// Load builds the configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps ALARMRELAY_DISPATCHER__BATCH_SIZE to dispatcher.batch_size.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	}
	if c.Tenants.Source == TenantSourceFile && c.Tenants.File == "" {
		errs = append(errs, errors.New("tenants.file is required when tenants.source is file"))
	}
	if c.Cleanup.Enabled && c.Dispatcher.Enabled && c.Cleanup.StuckAfter <= c.Dispatcher.SendTimeout {
		errs = append(errs, errors.New("cleanup.stuck_after must be longer than dispatcher.send_timeout"))
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		errs = append(errs, errors.New("amqp.url is required when amqp is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
