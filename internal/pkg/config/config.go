package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read by Load.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Supergraph SupergraphConfig `koanf:"supergraph"`
	CSRF       CSRFConfig       `koanf:"csrf"`
	APQ        APQConfig        `koanf:"apq"`
	Limits     LimitsConfig     `koanf:"limits"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	Path           string        `koanf:"path"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// ExperimentalParserRecursionLimit rejects operations nested this deep
	// or deeper. Zero disables the check.
	ExperimentalParserRecursionLimit int  `koanf:"experimental_parser_recursion_limit"`
	ExperimentalDeferSupport         bool `koanf:"experimental_defer_support"`
}

type UpstreamConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

type SupergraphConfig struct {
	// SchemaPath is an optional SDL file used to validate enum and input
	// object variables.
	SchemaPath string `koanf:"schema_path"`
}

type CSRFConfig struct {
	UnsafeDisabled  bool     `koanf:"unsafe_disabled"`
	RequiredHeaders []string `koanf:"required_headers"`
}

type APQConfig struct {
	Enabled bool           `koanf:"enabled"`
	Cache   APQCacheConfig `koanf:"cache"`
}

type APQCacheConfig struct {
	Type string `koanf:"type"` // memory, sqlite, redis
	// Size bounds the in-memory LRU. For sqlite and redis it sizes the
	// memory tier placed in front of the store; zero disables that tier.
	Size   int          `koanf:"size"`
	SQLite SQLiteConfig `koanf:"sqlite"`
	Redis  RedisConfig  `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Address  string        `koanf:"address"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	Prefix   string        `koanf:"prefix"`
	TTL      time.Duration `koanf:"ttl"`
}

type LimitsConfig struct {
	MaxConcurrent     int     `koanf:"max_concurrent"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// PipelineConfig lists the external approval stages.
type PipelineConfig struct {
	Stages []PipelineStageConfig `koanf:"stages"`
}

type PipelineStageConfig struct {
	Name                 string            `koanf:"name"`
	Order                int               `koanf:"order"`
	URL                  string            `koanf:"url"`
	Timeout              string            `koanf:"timeout"`  // Duration string like "5s"
	OnError              string            `koanf:"on_error"` // allow or deny (default: deny)
	Retries              int               `koanf:"retries"`
	Headers              map[string]string `koanf:"headers"`
	AllowPrivateNetworks bool              `koanf:"allow_private_networks"`
}

type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath and the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads path (if it exists) and then POLY_ environment overrides.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider("POLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "POLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.APQ.Cache.Redis.Password = substituteEnvVars(cfg.APQ.Cache.Redis.Password)
	for name, v := range cfg.Upstream.Headers {
		cfg.Upstream.Headers[name] = substituteEnvVars(v)
	}
	for i := range cfg.Pipeline.Stages {
		for name, v := range cfg.Pipeline.Stages[i].Headers {
			cfg.Pipeline.Stages[i].Headers[name] = substituteEnvVars(v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":            8080,
		"server.path":            "/graphql",
		"server.request_timeout": "30s",
		"upstream.timeout":       "30s",
		"apq.enabled":            true,
		"apq.cache.type":         "memory",
		"apq.cache.size":         512,
		"telemetry.service_name": "polyglot-graphql-gateway",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}
}

// Validate checks settings that cannot be caught by unmarshalling.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", c.Server.Path)
	}
	if c.Server.ExperimentalParserRecursionLimit < 0 {
		return fmt.Errorf("server.experimental_parser_recursion_limit must not be negative")
	}
	switch c.APQ.Cache.Type {
	case "memory":
	case "sqlite":
		if c.APQ.Cache.SQLite.Path == "" {
			return fmt.Errorf("apq.cache.sqlite.path is required for the sqlite cache")
		}
	case "redis":
		if c.APQ.Cache.Redis.Address == "" {
			return fmt.Errorf("apq.cache.redis.address is required for the redis cache")
		}
	default:
		return fmt.Errorf("apq.cache.type %q is not one of memory, sqlite, redis", c.APQ.Cache.Type)
	}
	names := make(map[string]bool, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		if s.Name == "" {
			return fmt.Errorf("pipeline stage without a name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate pipeline stage %q", s.Name)
		}
		names[s.Name] = true
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
