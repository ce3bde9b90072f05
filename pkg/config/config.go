// Package config loads the chatrelay YAML configuration. ${VAR} references
// are expanded from the environment before parsing, and duration fields are
// written as Go duration strings ("30s", "10m").
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatrelay/pkg/identity"
	"github.com/go-go-golems/chatrelay/pkg/inference"
	"github.com/go-go-golems/chatrelay/pkg/logging"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/tools/fetch"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Inference InferenceConfig `yaml:"inference"`
	Tools     ToolsConfig     `yaml:"tools"`
	Storage   StorageConfig   `yaml:"storage"`
	Stream    StreamConfig    `yaml:"stream"`
	Auth      AuthConfig      `yaml:"auth"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ShutdownTimeout time.Duration `yaml:"-"`
	PingInterval    time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
	PingIntervalRaw    string `yaml:"ping_interval"`
	WriteTimeoutRaw    string `yaml:"write_timeout"`
}

type InferenceConfig struct {
	// Provider is "workers-ai", "openai" or empty for no backend.
	Provider        string `yaml:"provider"`
	AccountID       string `yaml:"account_id"`
	APIToken        string `yaml:"api_token"`
	BaseURL         string `yaml:"base_url"`
	PrimaryModel    string `yaml:"primary_model"`
	SecondaryModel  string `yaml:"secondary_model"`
	MaxTokens       int    `yaml:"max_tokens"`
	ReasoningEffort string `yaml:"reasoning_effort"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

type ToolsConfig struct {
	Fetch FetchConfig `yaml:"fetch"`
}

type FetchConfig struct {
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
	UserAgent         string `yaml:"user_agent"`
	MaxMarkdownTokens int    `yaml:"max_markdown_tokens"`
	ExtractMaxTokens  int    `yaml:"extract_max_tokens"`
	SummaryMaxTokens  int    `yaml:"summary_max_tokens"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

type StorageConfig struct {
	// Driver is "memory", "sqlite" or "redis".
	Driver     string      `yaml:"driver"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
}

type StreamConfig struct {
	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGroup    string `yaml:"redis_group"`
	RedisConsumer string `yaml:"redis_consumer"`
	Buffer        int64  `yaml:"buffer"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	AnonymousRoom string `yaml:"anonymous_room"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

type RoomsConfig struct {
	EvictIdle     time.Duration `yaml:"-"`
	EvictInterval time.Duration `yaml:"-"`

	EvictIdleRaw     string `yaml:"evict_idle"`
	EvictIntervalRaw string `yaml:"evict_interval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration that runs a local gateway with in-memory
// storage and no inference backend.
func Default() *Config {
	f := fetch.DefaultConfig()
	rs := redisstream.DefaultSettings()
	lg := logging.DefaultSettings()
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ShutdownTimeoutRaw: "10s",
			PingIntervalRaw:    "30s",
			WriteTimeoutRaw:    "10s",
		},
		Inference: InferenceConfig{
			PrimaryModel:    "@cf/openai/gpt-oss-120b",
			SecondaryModel:  "@cf/meta/llama-3.3-70b-instruct-fp8-fast",
			MaxTokens:       4096,
			ReasoningEffort: "low",
			TimeoutRaw:      "120s",
		},
		Tools: ToolsConfig{Fetch: FetchConfig{
			MaxBodyBytes:      f.MaxBodyBytes,
			UserAgent:         f.UserAgent,
			MaxMarkdownTokens: f.MaxMarkdownTokens,
			ExtractMaxTokens:  f.ExtractMaxTokens,
			SummaryMaxTokens:  f.SummaryMaxTokens,
			TimeoutRaw:        f.Timeout.String(),
		}},
		Storage: StorageConfig{
			Driver:     roomstore.DriverMemory,
			SQLitePath: "chatrelay.db",
			Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: "chatrelay:"},
		},
		Stream: StreamConfig{
			RedisAddr:     rs.Addr,
			RedisGroup:    rs.Group,
			RedisConsumer: rs.Consumer,
			Buffer:        rs.Buffer,
		},
		Auth: AuthConfig{TokenTTLRaw: "720h"},
		Rooms: RoomsConfig{
			EvictIdleRaw:     "30m",
			EvictIntervalRaw: "1m",
		},
		Logging: LoggingConfig{
			Level:      lg.Level,
			MaxSizeMB:  lg.MaxSizeMB,
			MaxBackups: lg.MaxBackups,
			MaxAgeDays: lg.MaxAgeDays,
		},
	}
}

// Load reads path on top of Default. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize parses duration strings and validates the result. Call it again
// after changing raw fields.
func (c *Config) Finalize() error {
	if err := parseDurations(c); err != nil {
		return errors.Wrap(err, "parsing durations")
	}
	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Inference.Provider)) {
	case inference.ProviderNone:
	case inference.ProviderWorkersAI:
		if c.Inference.AccountID == "" || c.Inference.APIToken == "" {
			return errors.New("inference.account_id and inference.api_token are required for workers-ai")
		}
	case inference.ProviderOpenAI:
		if c.Inference.APIToken == "" {
			return errors.New("inference.api_token is required for openai")
		}
	default:
		return errors.Errorf("inference.provider %q is not one of workers-ai, openai", c.Inference.Provider)
	}
	if c.Inference.Provider != "" && (c.Inference.PrimaryModel == "" || c.Inference.SecondaryModel == "") {
		return errors.New("inference.primary_model and inference.secondary_model are required")
	}
	switch c.Inference.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return errors.Errorf("inference.reasoning_effort %q is not one of low, medium, high", c.Inference.ReasoningEffort)
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "", roomstore.DriverMemory:
	case roomstore.DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case roomstore.DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	default:
		return errors.Errorf("storage.driver %q is not one of memory, sqlite, redis", c.Storage.Driver)
	}

	if c.Stream.RedisEnabled && (c.Stream.RedisAddr == "" || c.Stream.RedisGroup == "" || c.Stream.RedisConsumer == "") {
		return errors.New("stream.redis_addr, stream.redis_group and stream.redis_consumer are required when stream.redis_enabled")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.ping_interval", cfg.Server.PingIntervalRaw, &cfg.Server.PingInterval},
		{"server.write_timeout", cfg.Server.WriteTimeoutRaw, &cfg.Server.WriteTimeout},
		{"inference.timeout", cfg.Inference.TimeoutRaw, &cfg.Inference.Timeout},
		{"tools.fetch.timeout", cfg.Tools.Fetch.TimeoutRaw, &cfg.Tools.Fetch.Timeout},
		{"storage.redis.ttl", cfg.Storage.Redis.TTLRaw, &cfg.Storage.Redis.TTL},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"rooms.evict_idle", cfg.Rooms.EvictIdleRaw, &cfg.Rooms.EvictIdle},
		{"rooms.evict_interval", cfg.Rooms.EvictIntervalRaw, &cfg.Rooms.EvictInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return errors.Wrapf(err, "parsing %s %q", f.name, f.raw)
		}
		if d < 0 {
			return errors.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) InferenceSettings() inference.Settings {
	return inference.Settings{
		Provider:  c.Inference.Provider,
		AccountID: c.Inference.AccountID,
		APIToken:  c.Inference.APIToken,
		BaseURL:   c.Inference.BaseURL,
		Timeout:   c.Inference.Timeout,
	}
}

func (c *Config) Models() inference.Models {
	return inference.Models{Primary: c.Inference.PrimaryModel, Secondary: c.Inference.SecondaryModel}
}

func (c *Config) FetchConfig() fetch.Config {
	f := c.Tools.Fetch
	return fetch.Config{
		Timeout:           f.Timeout,
		MaxBodyBytes:      f.MaxBodyBytes,
		UserAgent:         f.UserAgent,
		MaxMarkdownTokens: f.MaxMarkdownTokens,
		ExtractMaxTokens:  f.ExtractMaxTokens,
		SummaryMaxTokens:  f.SummaryMaxTokens,
	}
}

func (c *Config) StoreSettings() roomstore.Settings {
	r := c.Storage.Redis
	return roomstore.Settings{
		Driver:     c.Storage.Driver,
		SQLitePath: c.Storage.SQLitePath,
		Redis: roomstore.RedisSettings{
			Addr:      r.Addr,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
			TTL:       r.TTL,
		},
	}
}

func (c *Config) StreamSettings() redisstream.Settings {
	s := c.Stream
	return redisstream.Settings{
		Enabled:  s.RedisEnabled,
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		Group:    s.RedisGroup,
		Consumer: s.RedisConsumer,
		Buffer:   s.Buffer,
	}
}

func (c *Config) IdentitySettings() identity.Settings {
	a := c.Auth
	return identity.Settings{
		JWTSecret:     a.JWTSecret,
		Issuer:        a.Issuer,
		Audience:      a.Audience,
		TokenTTL:      a.TokenTTL,
		AnonymousRoom: a.AnonymousRoom,
	}
}

func (c *Config) LoggingSettings() logging.Settings {
	l := c.Logging
	return logging.Settings{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}
