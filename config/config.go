// Package config is the application configuration shared by cmd/api,
// cmd/worker and cmd/migrate.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailpulse/internal/ghl"
	"mailpulse/internal/openai"
	"mailpulse/internal/service/analytics"
	"mailpulse/internal/service/contactsync"
	"mailpulse/internal/service/dispatch"
	pkgconfig "mailpulse/pkg/config"
)

type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

type WebhookConfig struct {
	// Secret, when set, must be sent in the X-Webhook-Secret header.
	Secret   string        `yaml:"secret" env:"WEBHOOK_SECRET"`
	DedupTTL time.Duration `yaml:"dedup_ttl" env:"WEBHOOK_DEDUP_TTL"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval" env:"OUTBOX_INTERVAL"`
	BatchSize  int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE"`
	MaxRetries int           `yaml:"max_retries" env:"OUTBOX_MAX_RETRIES"`
}

type ConsumerConfig struct {
	QueuePrefix string        `yaml:"queue_prefix" env:"CONSUMER_QUEUE_PREFIX"`
	MaxRetries  int           `yaml:"max_retries" env:"CONSUMER_MAX_RETRIES"`
	RetryTTL    time.Duration `yaml:"retry_ttl" env:"CONSUMER_RETRY_TTL"`
}

// QueueName is the queue the worker binds to routingKey.
func (c ConsumerConfig) QueueName(routingKey string) string {
	return c.QueuePrefix + "." + routingKey
}

type Config struct {
	Env         string                    `yaml:"env" env:"CONFIG_ENV"`
	Log         LogConfig                 `yaml:"log"`
	DB          pkgconfig.DBConfig        `yaml:"db"`
	MQ          pkgconfig.MQConfig        `yaml:"mq"`
	Redis       pkgconfig.RedisConfig     `yaml:"redis"`
	JWT         pkgconfig.JWTConfig       `yaml:"jwt"`
	Server      pkgconfig.ServerConfig    `yaml:"server"`
	Telemetry   pkgconfig.TelemetryConfig `yaml:"telemetry"`
	GHL         ghl.Config                `yaml:"ghl"`
	OpenAI      openai.Config             `yaml:"openai"`
	Dispatch    dispatch.Config           `yaml:"dispatch"`
	Webhook     WebhookConfig             `yaml:"webhook"`
	Analytics   analytics.Config          `yaml:"analytics"`
	ContactSync contactsync.Config        `yaml:"contact_sync"`
	Outbox      OutboxConfig              `yaml:"outbox"`
	Consumer    ConsumerConfig            `yaml:"consumer"`
}

// Load reads config/<env>.yaml over config/base.yaml from dir and applies
// environment overrides.
func Load(env, dir string) (*Config, error) {
	cfgMap, err := pkgconfig.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Env: env}
	if err := pkgconfig.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv is Load with CONFIG_ENV and CONFIG_DIR taken from the environment.
func LoadFromEnv() (*Config, error) {
	return Load(pkgconfig.GetConfigEnv(), pkgconfig.GetEnv("CONFIG_DIR", "config"))
}

// unresolved reports a ${VAR} placeholder that no secret replaced.
func unresolved(s string) bool {
	return strings.Contains(s, "${")
}

func (c *Config) Validate() error {
	var errs []error
	if c.DB.Host == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("db.host and db.name are required"))
	}
	if c.JWT.Secret == "" || unresolved(c.JWT.Secret) {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	// 可选的密钥未提供时视为关闭
	for _, optional := range []*string{&c.Webhook.Secret, &c.Redis.Password, &c.DB.Password} {
		if unresolved(*optional) {
			*optional = ""
		}
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.JWT.TTL <= 0 {
		c.JWT.TTL = 24 * time.Hour
	}
	if c.Webhook.DedupTTL <= 0 {
		c.Webhook.DedupTTL = 24 * time.Hour
	}
	if c.Consumer.QueuePrefix == "" {
		c.Consumer.QueuePrefix = "mailpulse.analytics"
	}
	if c.Consumer.MaxRetries <= 0 {
		c.Consumer.MaxRetries = 3
	}
	if c.Consumer.RetryTTL <= 0 {
		c.Consumer.RetryTTL = time.Hour
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
