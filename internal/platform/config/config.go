package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Slack     SlackConfig     `mapstructure:"slack"`
	Digest    DigestConfig    `mapstructure:"digest"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type WebhooksConfig struct {
	// Secret is the shared GitHub webhook secret. Startup fails when empty.
	Secret        string `mapstructure:"secret"`
	WorkerCount   int    `mapstructure:"worker_count"`
	QueueSize     int    `mapstructure:"queue_size"`
	JobMaxRetries int    `mapstructure:"job_max_retries"`
}

type SlackConfig struct {
	BotToken         string        `mapstructure:"bot_token"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PerTargetPerSec  float64       `mapstructure:"per_target_per_sec"`
	PerTargetBurst   int           `mapstructure:"per_target_burst"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `mapstructure:"retry_backoff_max"`
}

type DigestConfig struct {
	// MaxConfigsPerUser is the entitlement cap consulted when loading a
	// user's digest configs. Excess configs are ignored with a warning.
	MaxConfigsPerUser int `mapstructure:"max_configs_per_user"`
	// FlushMaxRetries bounds how many ticks a failed flush is retried
	// before the pending items are dropped.
	FlushMaxRetries int `mapstructure:"flush_max_retries"`
}

type RetentionConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("webhooks.worker_count", 4)
	viper.SetDefault("webhooks.queue_size", 256)
	viper.SetDefault("webhooks.job_max_retries", 3)
	viper.SetDefault("slack.request_timeout", 10*time.Second)
	viper.SetDefault("slack.per_target_per_sec", 1.0)
	viper.SetDefault("slack.per_target_burst", 1)
	viper.SetDefault("slack.retry_attempts", 3)
	viper.SetDefault("slack.retry_backoff_base", time.Second)
	viper.SetDefault("slack.retry_backoff_max", 10*time.Second)
	viper.SetDefault("digest.max_configs_per_user", 5)
	viper.SetDefault("digest.flush_max_retries", 8)
	viper.SetDefault("retention.max_age", 30*24*time.Hour)
	viper.SetDefault("logging.level", "info")
}
