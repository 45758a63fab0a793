package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

// Broadcast backends.
const (
	BackendHub   = "hub"
	BackendRedis = "redis"
)

// RedisConfig selects the Redis server used by the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen"`  // HTTP/websocket bind address (e.g. ":8080")
	MetricsAddr string `yaml:"metrics"` // HTTP bind address for /metrics (empty = disabled)
	DBPath      string `yaml:"db"`      // SQLite database path

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	GuestPolicy      string `yaml:"guest_policy"`      // deny | new_member
	RejectionNotices string `yaml:"rejection_notices"` // none | sender | all

	Broadcast string      `yaml:"broadcast"` // hub | redis
	Redis     RedisConfig `yaml:"redis"`

	JWTSecret string `yaml:"jwt_secret"` // HMAC key for gateway bearer tokens (empty = guests only)
	Owner     string `yaml:"owner"`      // handle seeded as super admin on first run

	ProgressionInterval time.Duration `yaml:"progression_interval"` // 0 disables the batch loop
	SessionMaxAge       time.Duration `yaml:"session_max_age"`      // 0 disables expiry
	MetricsLogInterval  time.Duration `yaml:"metrics_log_interval"` // 0 disables periodic logs

	HistoryDefault   int `yaml:"history_default"`
	HistoryMax       int `yaml:"history_max"`
	MaxContentLength int `yaml:"max_content_length"`

	// CLI-only actions (run and exit)
	ExportUsers bool `yaml:"-"`
	ExportRoles bool `yaml:"-"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          ":8080",
		MetricsAddr:         ":9602",
		DBPath:              "gotalk.db",
		LogLevel:            "info",
		LogFormat:           "text",
		GuestPolicy:         string(rbac.GuestDeny),
		RejectionNotices:    string(chat.NoticeSender),
		Broadcast:           BackendHub,
		ProgressionInterval: time.Hour,
		SessionMaxAge:       24 * time.Hour,
		MetricsLogInterval:  time.Minute,
		HistoryDefault:      chat.DefaultHistoryLimit,
		HistoryMax:          chat.MaxHistoryLimit,
		MaxContentLength:    model.MessageMaxContentLength,
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from GOTALK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("GOTALK_DB"); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup("GOTALK_REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
		c.Broadcast = BackendRedis
	}
	if v, ok := lookup("GOTALK_JWT_SECRET"); ok && v != "" {
		c.JWTSecret = v
	}
	if v, ok := lookup("GOTALK_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{model.ErrValidation}, args...)...))
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		add("listen address is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		add("db path is required")
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", model.ErrValidation, err))
	}
	if _, err := rbac.ParseGuestPolicy(c.GuestPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := chat.ParseNoticeScope(c.RejectionNotices); err != nil {
		errs = append(errs, err)
	}
	switch c.Broadcast {
	case "", BackendHub:
	case BackendRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			add("redis backend needs redis.addr")
		}
	default:
		add("unknown broadcast backend %q (valid: hub, redis)", c.Broadcast)
	}
	if c.Owner != "" {
		if err := model.ValidateHandle(c.Owner); err != nil {
			errs = append(errs, fmt.Errorf("owner: %w", err))
		}
	}
	if c.ProgressionInterval < 0 || c.SessionMaxAge < 0 || c.MetricsLogInterval < 0 {
		add("intervals must not be negative")
	}
	if c.HistoryMax < 0 || c.HistoryMax > chat.MaxHistoryLimit {
		add("history_max must lie within 0..%d", chat.MaxHistoryLimit)
	}
	if c.HistoryDefault < 0 || (c.HistoryMax > 0 && c.HistoryDefault > c.HistoryMax) {
		add("history_default %d must not exceed history_max %d", c.HistoryDefault, c.HistoryMax)
	}
	if c.MaxContentLength < 0 || c.MaxContentLength > model.MessageMaxContentLength {
		add("max_content_length must be at most %d", model.MessageMaxContentLength)
	}
	return errors.Join(errs...)
}

func (c Config) chatConfig() chat.Config {
	policy, _ := rbac.ParseGuestPolicy(c.GuestPolicy)
	scope, _ := chat.ParseNoticeScope(c.RejectionNotices)
	return chat.Config{
		GuestPolicy:      policy,
		NoticeScope:      scope,
		MaxContentLength: c.MaxContentLength,
		HistoryDefault:   c.HistoryDefault,
		HistoryMax:       c.HistoryMax,
	}
}
