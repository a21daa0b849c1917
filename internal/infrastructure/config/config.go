// Package config loads engine configuration in three layers: compiled
// defaults, an optional YAML file, then NFE_-prefixed environment
// variables. Later layers win.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
)

// DefaultFile is where Load looks for the optional YAML layer unless
// NFE_CONFIG_FILE points elsewhere.
const DefaultFile = "configs/config.yaml"

// EnvPrefix marks the environment variables Load consumes. Nesting uses a
// double underscore (NFE_SERVER__PORT → server.port) so key names may
// themselves contain single underscores.
const EnvPrefix = "NFE_"

var validate = validator.New()

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"oneof=development staging production"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn error"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Cache     CacheConfig     `koanf:"cache"`
	Security  SecurityConfig  `koanf:"security"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Detection DetectionConfig `koanf:"detection"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"min=0"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MinIdleConns    int           `koanf:"min_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"min=0"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"min=0"`
	PoolSize     int           `koanf:"pool_size" validate:"min=1"`
	MinIdleConns int           `koanf:"min_idle_conns" validate:"min=0"`
	MaxRetries   int           `koanf:"max_retries" validate:"min=0"`
	DialTimeout  time.Duration `koanf:"dial_timeout" validate:"min=0"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"min=0"`
}

// CacheConfig selects and sizes the result cache backend.
type CacheConfig struct {
	Backend  string        `koanf:"backend" validate:"oneof=memory redis"`
	MaxBytes int64         `koanf:"max_bytes" validate:"min=0"`
	TTL      time.Duration `koanf:"ttl" validate:"min=0"`
}

type SecurityConfig struct {
	JWTSecret   string          `koanf:"jwt_secret"`
	TokenExpiry time.Duration   `koanf:"token_expiry" validate:"min=0"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second" validate:"min=1"`
	BurstSize         int `koanf:"burst_size" validate:"min=1"`
}

// TelemetryConfig controls trace and metric export. Disabled by default:
// local runs should not need a collector.
type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate" validate:"min=0,max=1"`
	ExportTimeout time.Duration `koanf:"export_timeout" validate:"min=0"`
	BatchTimeout  time.Duration `koanf:"batch_timeout" validate:"min=0"`
}

// DetectionConfig groups the orchestrator knobs with every detector's
// thresholds, so one file (or environment) tunes the whole pipeline.
type DetectionConfig struct {
	Service          detection.ServiceConfig          `koanf:"service"`
	Underpricing     detectors.UnderpricingConfig     `koanf:"underpricing"`
	ValueConsistency detectors.ValueConsistencyConfig `koanf:"value_consistency"`
	Splitting        detectors.SplittingConfig        `koanf:"splitting"`
	Classification   detectors.ClassificationConfig   `koanf:"classification"`
	Temporal         detectors.TemporalConfig         `koanf:"temporal"`
	Counterparty     detectors.CounterpartyConfig     `koanf:"counterparty"`
	Collusion        detectors.CollusionConfig        `koanf:"collusion"`
	Refinement       detectors.RefinementConfig       `koanf:"refinement"`
}

// Default returns the compiled-in configuration: production detector
// thresholds, memory cache, local service endpoints.
func Default() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  15 * time.Second,
		},
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/nfe_fraud?sslmode=disable",
			MaxOpenConns:    25,
			MinIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Cache: CacheConfig{
			Backend:  "memory",
			MaxBytes: 500 * 1024 * 1024,
			TTL:      24 * time.Hour,
		},
		Security: SecurityConfig{
			TokenExpiry: 24 * time.Hour,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			OTLPEndpoint:  "localhost:4317",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			BatchTimeout:  5 * time.Second,
		},
		Detection: DetectionConfig{
			Service:          detection.DefaultServiceConfig(),
			Underpricing:     detectors.DefaultUnderpricingConfig(),
			ValueConsistency: detectors.DefaultValueConsistencyConfig(),
			Splitting:        detectors.DefaultSplittingConfig(),
			Classification:   detectors.DefaultClassificationConfig(),
			Temporal:         detectors.DefaultTemporalConfig(),
			Counterparty:     detectors.DefaultCounterpartyConfig(),
			Collusion:        detectors.DefaultCollusionConfig(),
			Refinement:       detectors.DefaultRefinementConfig(),
		},
	}
}

// Load builds the effective configuration. The YAML file is optional; a
// path set explicitly through NFE_CONFIG_FILE must exist.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv(EnvPrefix + "CONFIG_FILE")
	if !explicit {
		path = DefaultFile
	}
	return LoadFrom(path, !explicit)
}

// LoadFrom is Load with the file layer pinned, used by tests and the CLI
// --config flag. optional suppresses the error when the file is absent.
func LoadFrom(path string, optional bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		} else if !optional {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// envKey maps NFE_DETECTION__UNDERPRICING__MIN_SCORE to
// detection.underpricing.min_score.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
