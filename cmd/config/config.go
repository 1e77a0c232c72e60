package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the guard daemon
type Config struct {
	// Collector API
	Port          int     `envconfig:"PORT" default:"10002"`
	DBPath        string  `envconfig:"DB_PATH" default:"guard.db"`
	CollectorRate float64 `envconfig:"COLLECTOR_RATE" default:"5"`

	// Browser discovery. A fixed CDP_URL wins over tailing the Chromium log.
	CDPURL          string `envconfig:"CDP_URL"`
	ChromiumLogPath string `envconfig:"CHROMIUM_LOG_PATH" default:"/var/log/supervisord/chromium"`

	// Optional YAML rules file, hot-reloaded on change
	RulesPath   string `envconfig:"RULES_PATH"`
	PracticeURL string `envconfig:"PRACTICE_URL" default:"https://buynothing.replit.app"`

	// Session flags live in Redis when REDIS_ADDR is set, in memory otherwise
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	SettleDelay  time.Duration `envconfig:"SETTLE_DELAY" default:"1s"`
	ReloadDelay  time.Duration `envconfig:"RELOAD_DELAY" default:"100ms"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if config.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if config.CollectorRate < 0 {
		return fmt.Errorf("COLLECTOR_RATE must not be negative")
	}
	if config.CDPURL == "" && config.ChromiumLogPath == "" {
		return fmt.Errorf("one of CDP_URL or CHROMIUM_LOG_PATH is required")
	}
	if config.CDPURL != "" && !strings.HasPrefix(config.CDPURL, "ws://") && !strings.HasPrefix(config.CDPURL, "wss://") {
		return fmt.Errorf("CDP_URL must be a ws:// or wss:// url")
	}
	if config.PracticeURL == "" {
		return fmt.Errorf("PRACTICE_URL is required")
	}
	if config.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must not be negative")
	}
	if config.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be greater than 0")
	}
	if config.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must not be negative")
	}
	if config.ReloadDelay < 0 {
		return fmt.Errorf("RELOAD_DELAY must not be negative")
	}

	return nil
}
