package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host               string        `yaml:"host" env:"DB_HOST"`
	Port               int           `yaml:"port" env:"DB_PORT"`
	User               string        `yaml:"user" env:"DB_USER"`
	Password           string        `yaml:"password" env:"DB_PASSWORD"`
	Name               string        `yaml:"name" env:"DB_NAME"`
	SSLMode            string        `yaml:"ssl_mode" env:"DB_SSLMODE"`
	MaxConns           int32         `yaml:"max_conns" env:"DB_MAX_CONNS"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"DB_SLOW_QUERY_THRESHOLD"`
}

// DSN builds the postgres connection string.
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
		sslMode,
	)
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url" env:"MQ_URL"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string        `yaml:"secret" env:"JWT_SECRET"`
	TTL    time.Duration `yaml:"ttl" env:"JWT_TTL"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port" env:"SERVER_PORT"`
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ApplyEnv 用环境变量覆盖配置（优先级最高）。
// Only variables that are actually set are applied; struct fields without an
// env tag keep the value loaded from YAML.
func ApplyEnv(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}
