package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of both binaries. Values come from defaults,
// then an optional YAML file, then environment variables.
type Config struct {
	// Relay server
	Port           string `yaml:"port"`
	RedisURL       string `yaml:"redis_url"`
	KindeIssuerURL string `yaml:"kinde_issuer_url"`
	LogLevel       string `yaml:"log_level"`
	PollBacklog    int    `yaml:"poll_backlog"`

	// Client
	PushURL   string `yaml:"push_url"`
	PollURL   string `yaml:"poll_url"`
	Token     string `yaml:"token"`
	Store     string `yaml:"store"`
	TeamID    string `yaml:"team_id"`
	CompanyID string `yaml:"company_id"`
	UserID    string `yaml:"user_id"`

	Timing Timing `yaml:"timing"`
	Caps   Caps   `yaml:"caps"`
}

type Timing struct {
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	StatusPollInterval   time.Duration `yaml:"status_poll_interval"`
	TypingTimeout        time.Duration `yaml:"typing_timeout"`
	ToastTimeout         time.Duration `yaml:"toast_timeout"`
	PollWait             time.Duration `yaml:"poll_wait"`
}

type Caps struct {
	Standups      int `yaml:"standups"`
	Activity      int `yaml:"activity"`
	Notifications int `yaml:"notifications"`
	Toasts        int `yaml:"toasts"`
}

func Default() *Config {
	return &Config{
		Port:        "8080",
		RedisURL:    "redis://localhost:6379",
		LogLevel:    "info",
		PollBacklog: 256,
		PushURL:     "ws://localhost:8080/ws",
		PollURL:     "http://localhost:8080",
		Store:       "memory",
		Timing: Timing{
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 5,
			PingInterval:         30 * time.Second,
			StatusPollInterval:   5 * time.Second,
			TypingTimeout:        3 * time.Second,
			ToastTimeout:         5 * time.Second,
			PollWait:             25 * time.Second,
		},
		Caps: Caps{
			Standups:      10,
			Activity:      50,
			Notifications: 20,
			Toasts:        5,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, UPSTAND_CONFIG is consulted.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("UPSTAND_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.KindeIssuerURL = getEnv("KINDE_ISSUER_URL", c.KindeIssuerURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.PollBacklog = getEnvInt("POLL_BACKLOG", c.PollBacklog)

	c.PushURL = getEnv("UPSTAND_PUSH_URL", c.PushURL)
	c.PollURL = getEnv("UPSTAND_POLL_URL", c.PollURL)
	c.Token = getEnv("UPSTAND_TOKEN", c.Token)
	c.Store = getEnv("UPSTAND_STORE", c.Store)
	c.TeamID = getEnv("UPSTAND_TEAM_ID", c.TeamID)
	c.CompanyID = getEnv("UPSTAND_COMPANY_ID", c.CompanyID)
	c.UserID = getEnv("UPSTAND_USER_ID", c.UserID)

	c.Timing.ReconnectDelay = getEnvDuration("UPSTAND_RECONNECT_DELAY", c.Timing.ReconnectDelay)
	c.Timing.MaxReconnectAttempts = getEnvInt("UPSTAND_MAX_RECONNECT_ATTEMPTS", c.Timing.MaxReconnectAttempts)
	c.Timing.PingInterval = getEnvDuration("UPSTAND_PING_INTERVAL", c.Timing.PingInterval)
	c.Timing.StatusPollInterval = getEnvDuration("UPSTAND_STATUS_POLL_INTERVAL", c.Timing.StatusPollInterval)
	c.Timing.PollWait = getEnvDuration("UPSTAND_POLL_WAIT", c.Timing.PollWait)
}

// Validate rejects settings the realtime core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("poll_backlog", int64(c.PollBacklog))
	positive("timing.reconnect_delay", int64(c.Timing.ReconnectDelay))
	positive("timing.max_reconnect_attempts", int64(c.Timing.MaxReconnectAttempts))
	positive("timing.ping_interval", int64(c.Timing.PingInterval))
	positive("timing.status_poll_interval", int64(c.Timing.StatusPollInterval))
	positive("timing.typing_timeout", int64(c.Timing.TypingTimeout))
	positive("timing.toast_timeout", int64(c.Timing.ToastTimeout))
	positive("timing.poll_wait", int64(c.Timing.PollWait))
	positive("caps.standups", int64(c.Caps.Standups))
	positive("caps.activity", int64(c.Caps.Activity))
	positive("caps.notifications", int64(c.Caps.Notifications))
	positive("caps.toasts", int64(c.Caps.Toasts))

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	switch c.Store {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store must be memory or redis, got %q", c.Store))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel parses LogLevel, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
