package server

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultRateBurst       = 5
	defaultRefillInterval  = time.Second
	defaultSendBuffer      = 256
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-session frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	// SendBuffer is the capacity of each session's outbound queue. A session
	// whose queue is full when a push arrives is dropped.
	SendBuffer      int
	ShutdownTimeout time.Duration

	Database store.Config
	LogLevel string
	LogSink  string
}

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRefillInterval,
		},
		SendBuffer:      defaultSendBuffer,
		ShutdownTimeout: defaultShutdownTimeout,
		Database:        store.Config{Driver: "sqlite", DSN: "nexus.db"},
		LogLevel:        "info",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	return &cfg
}

// LoadConfig layers defaults, the optional YAML file at path, and the
// environment, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := fc.apply(&cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// fileConfig is the on-disk YAML layout. Sizes accept humanized values such
// as "4KB" and durations accept "1s" or plain seconds.
type fileConfig struct {
	Server struct {
		Port            string   `yaml:"port"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		MaxMessageSize  string   `yaml:"max_message_size"`
		SendBuffer      int      `yaml:"send_buffer"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		RateLimit       struct {
			Burst          int    `yaml:"burst"`
			RefillInterval string `yaml:"refill_interval"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Database store.Config `yaml:"database"`
	Log      struct {
		Level string `yaml:"level"`
		Sink  string `yaml:"sink"`
	} `yaml:"log"`
}

func (fc fileConfig) apply(cfg *Config) error {
	srv := fc.Server
	if srv.Port != "" {
		cfg.Port = srv.Port
	}
	if len(srv.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = srv.AllowedOrigins
	}
	if srv.MaxMessageSize != "" {
		size, err := parseSize(srv.MaxMessageSize)
		if err != nil {
			return fmt.Errorf("server.max_message_size: %w", err)
		}
		cfg.MaxMessageSize = size
	}
	if srv.SendBuffer > 0 {
		cfg.SendBuffer = srv.SendBuffer
	}
	if srv.ShutdownTimeout != "" {
		d, err := parseDuration(srv.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("server.shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if srv.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = srv.RateLimit.Burst
	}
	if srv.RateLimit.RefillInterval != "" {
		d, err := parseDuration(srv.RateLimit.RefillInterval)
		if err != nil {
			return fmt.Errorf("server.rate_limit.refill_interval: %w", err)
		}
		cfg.RateLimit.RefillInterval = d
	}

	if fc.Database.Driver != "" {
		cfg.Database.Driver = fc.Database.Driver
	}
	if fc.Database.DSN != "" {
		cfg.Database.DSN = fc.Database.DSN
	}
	cfg.Database.Verbose = cfg.Database.Verbose || fc.Database.Verbose

	if fc.Log.Level != "" {
		cfg.LogLevel = fc.Log.Level
	}
	if fc.Log.Sink != "" {
		cfg.LogSink = fc.Log.Sink
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		if size, err := parseSize(maxSize); err == nil {
			cfg.MaxMessageSize = size
		}
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		if d, err := parseDuration(interval); err == nil {
			cfg.RateLimit.RefillInterval = d
		}
	}

	if buf := os.Getenv("SEND_BUFFER"); buf != "" {
		cfg.SendBuffer = parseIntValue(buf, cfg.SendBuffer)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		if d, err := parseDuration(timeout); err == nil {
			cfg.ShutdownTimeout = d
		}
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if sink := os.Getenv("LOG_SINK"); sink != "" {
		cfg.LogSink = sink
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseSize(value string) (int64, error) {
	size, err := humanize.ParseBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if size > math.MaxInt64 {
		return 0, fmt.Errorf("size %s is too large", value)
	}
	return int64(size), nil
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings and bare integers, which are
// read as seconds.
func parseDuration(value string) (time.Duration, error) {
	raw := strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("duration must be positive")
		}
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
