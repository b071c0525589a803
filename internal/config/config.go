package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// DefaultURLTTL is used whenever URL_TTL_MINUTES is unset, unparsable or not positive.
const DefaultURLTTL = 15 * time.Minute

// Config struct for environment variables.
type Config struct {
	URLTTLMinutes  string        `envconfig:"URL_TTL_MINUTES" default:"15"`
	ReaperInterval time.Duration `envconfig:"REAPER_INTERVAL" default:"2m"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"INFO"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"fs"`
	StoreDir     string `envconfig:"STORE_DIR"`

	RegistryBackend string `envconfig:"REGISTRY_BACKEND" default:"memory"`
	DBPath          string `envconfig:"DB_PATH" default:":memory:"`
	RedisURL        string `envconfig:"REDIS_URL"`
	RedisKeyPrefix  string `envconfig:"REDIS_KEY_PREFIX" default:"doccraft"`

	S3 struct {
		Bucket          string
		Prefix          string `default:"doccraft/"`
		Region          string `default:"us-east-1"`
		Endpoint        string
		AccessKeyID     string `envconfig:"ACCESS_KEY_ID"`
		SecretAccessKey string `split_words:"true"`
		UsePathStyle    bool   `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"doccraft"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:4000"`
		PathPrefix      string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.StoreDir == "" {
		cfg.StoreDir = filepath.Join(os.TempDir(), "doccraft")
	}

	cfg.Web.PathPrefix = strings.TrimRight(cfg.Web.PathPrefix, "/")

	if cfg.ReaperInterval <= 0 {
		return nil, fmt.Errorf("REAPER_INTERVAL must be positive, got %s", cfg.ReaperInterval)
	}

	return &cfg, nil
}

// URLTTL resolves URL_TTL_MINUTES into a duration, falling back to DefaultURLTTL.
func (c *Config) URLTTL() time.Duration {
	return ParseTTLMinutes(c.URLTTLMinutes)
}

// maxTTLMinutes is the largest minute count a time.Duration can hold.
const maxTTLMinutes = math.MaxInt64 / float64(time.Minute)

// ParseTTLMinutes parses a positive, finite number of minutes that fits in a
// time.Duration. Anything else yields DefaultURLTTL.
func ParseTTLMinutes(raw string) time.Duration {
	n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 || n >= maxTTLMinutes {
		return DefaultURLTTL
	}

	d := time.Duration(n * float64(time.Minute))
	if d <= 0 {
		return DefaultURLTTL
	}

	return d
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
