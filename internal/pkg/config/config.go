package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment overrides; "__" separates levels.
	EnvPrefix         = "RELAY_"
	DefaultConfigPath = "config.yaml"
)

type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Storage        StorageConfig        `koanf:"storage"`
	Assistant      AssistantConfig      `koanf:"assistant"`
	Stability      StabilityConfig      `koanf:"stability"`
	DallE          DallEConfig          `koanf:"dalle"`
	Search         SearchConfig         `koanf:"search"`
	Blob           BlobConfig           `koanf:"blob"`
	Relay          RelayConfig          `koanf:"relay"`
	Pricing        PricingConfig        `koanf:"pricing"`
	RateLimit      RateLimitConfig      `koanf:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
	Telemetry      TelemetryConfig      `koanf:"telemetry"`
	Tenants        []TenantConfig       `koanf:"tenants"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, mysql, memory
	DSN    string `koanf:"dsn"`
}

type AssistantConfig struct {
	APIKey        string `koanf:"api_key"`
	BaseURL       string `koanf:"base_url"`
	AssistantID   string `koanf:"assistant_id"` // default when the client omits one
	AnalysisModel string `koanf:"analysis_model"`
	VisionModel   string `koanf:"vision_model"`
}

type StabilityConfig struct {
	APIKey      string `koanf:"api_key"`
	BaseURL     string `koanf:"base_url"`
	AspectRatio string `koanf:"aspect_ratio"`
}

type DallEConfig struct {
	Model string `koanf:"model"`
	Size  string `koanf:"size"`
}

type SearchConfig struct {
	APIKey     string `koanf:"api_key"`
	BaseURL    string `koanf:"base_url"`
	MaxResults int    `koanf:"max_results"`
}

type BlobConfig struct {
	Driver    string       `koanf:"driver"` // local, s3
	Dir       string       `koanf:"dir"`
	PublicURL string       `koanf:"public_url"`
	S3        S3BlobConfig `koanf:"s3"`
}

type S3BlobConfig struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Prefix    string `koanf:"prefix"`
	Endpoint  string `koanf:"endpoint"`
	PublicURL string `koanf:"public_url"`
}

type RelayConfig struct {
	StagingDir         string        `koanf:"staging_dir"`
	StagingTTL         time.Duration `koanf:"staging_ttl"`
	SweepSchedule      string        `koanf:"sweep_schedule"`
	RunRetention       time.Duration `koanf:"run_retention"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	MaxRunDuration     time.Duration `koanf:"max_run_duration"`
	DiscoveryAttempts  int           `koanf:"discovery_attempts"`
	DiscoveryInterval  time.Duration `koanf:"discovery_interval"`
	ToolAttempts       int           `koanf:"tool_attempts"`
	ToolInterval       time.Duration `koanf:"tool_interval"`
	LedgerAttempts     int           `koanf:"ledger_attempts"`
	AttributionSize    int           `koanf:"attribution_size"`
	AttributionTTL     time.Duration `koanf:"attribution_ttl"`
	MaxUploadBytes     int64         `koanf:"max_upload_bytes"`
	RecognitionHint    string        `koanf:"recognition_hint"`
	MessagesPageLimit  int           `koanf:"messages_page_limit"`
	EstimateUsageModel string        `koanf:"estimate_usage_model"`
}

type PricingConfig struct {
	PromptPer1K     string `koanf:"prompt_per_1k"`
	CompletionPer1K string `koanf:"completion_per_1k"`
	CreditPrice     string `koanf:"credit_price"`
	ImageSurcharge  int64  `koanf:"image_surcharge"`
}

type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

type CircuitBreakerConfig struct {
	MaxRequests         uint32        `koanf:"max_requests"`
	Interval            time.Duration `koanf:"interval"`
	Timeout             time.Duration `koanf:"timeout"`
	ConsecutiveFailures uint32        `koanf:"consecutive_failures"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type TenantConfig struct {
	ID      string         `koanf:"id"`
	Name    string         `koanf:"name"`
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                          8080,
	"server.request_timeout":               "60s",
	"storage.driver":                       "sqlite",
	"storage.dsn":                          "file:relay.db",
	"assistant.analysis_model":             "gpt-4o-mini",
	"assistant.vision_model":               "gpt-4o",
	"dalle.model":                          "dall-e-3",
	"dalle.size":                           "1024x1024",
	"search.max_results":                   5,
	"blob.driver":                          "local",
	"blob.dir":                             "media",
	"blob.public_url":                      "/media",
	"relay.staging_ttl":                    "1h",
	"relay.sweep_schedule":                 "@every 1m",
	"relay.run_retention":                  "24h",
	"relay.poll_interval":                  "1s",
	"relay.max_run_duration":               "10m",
	"relay.discovery_attempts":             10,
	"relay.discovery_interval":             "1s",
	"relay.tool_attempts":                  3,
	"relay.tool_interval":                  "1s",
	"relay.ledger_attempts":                3,
	"relay.attribution_size":               10000,
	"relay.attribution_ttl":                "168h",
	"relay.max_upload_bytes":               25 << 20,
	"relay.recognition_hint":               " Please recognize the attached image.",
	"relay.messages_page_limit":            100,
	"relay.estimate_usage_model":           "gpt-4o",
	"pricing.prompt_per_1k":                "0.005",
	"pricing.completion_per_1k":            "0.015",
	"pricing.credit_price":                 "0.02",
	"pricing.image_surcharge":              2,
	"rate_limit.requests_per_second":       2.0,
	"rate_limit.burst":                     5,
	"circuit_breaker.max_requests":         1,
	"circuit_breaker.interval":             "60s",
	"circuit_breaker.timeout":              "30s",
	"circuit_breaker.consecutive_failures": 5,
	"telemetry.service_name":               "cinetech-relay",
}

// Load reads config.yaml from the working directory, then RELAY_ overrides.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigPath)
}

// LoadFile reads the config at path (a missing file is fine), applies
// RELAY_ environment overrides and defaults, and expands ${VAR} secrets.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Storage.DSN = substituteEnvVars(cfg.Storage.DSN)
	cfg.Assistant.APIKey = substituteEnvVars(cfg.Assistant.APIKey)
	cfg.Stability.APIKey = substituteEnvVars(cfg.Stability.APIKey)
	cfg.Search.APIKey = substituteEnvVars(cfg.Search.APIKey)

	return &cfg, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
