package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all freelab configuration.
type Config struct {
	Name string `yaml:"name"`

	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	LLM     LLMConfig     `yaml:"llm"`
	Pricing PricingConfig `yaml:"pricing"`
	Quota   QuotaConfig   `yaml:"quota"`
	Storage StorageConfig `yaml:"storage"`
	Journal JournalConfig `yaml:"journal"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	Leeway    string `yaml:"leeway"`
}

// LLMConfig configures the generative backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openai, gemini, scripted
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// MaxConcurrentCalls bounds in-flight backend calls; 0 means unbounded.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// ScriptedReply is the canned completion used by the scripted provider.
	ScriptedReply string `yaml:"scripted_reply"`
}

// PricingConfig is the backend price in micro-USD per token.
type PricingConfig struct {
	InputMicroUSDPerToken  float64 `yaml:"input_micro_usd_per_token"`
	OutputMicroUSDPerToken float64 `yaml:"output_micro_usd_per_token"`
}

// QuotaConfig configures per-classroom monthly quotas.
type QuotaConfig struct {
	// DefaultCents applies to classrooms without an explicit quota.
	DefaultCents int64 `yaml:"default_cents"`
}

// StorageConfig selects the usage/membership store.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres, memory
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// JournalConfig selects where completed steps are archived.
type JournalConfig struct {
	Driver string          `yaml:"driver"` // none, fs, s3
	Dir    string          `yaml:"dir"`
	S3     S3JournalConfig `yaml:"s3"`
}

// S3JournalConfig configures the S3 journal.
type S3JournalConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// EngineConfig tunes the step engine.
type EngineConfig struct {
	HistoryWindow   int    `yaml:"history_window"`
	ReferencePolicy string `yaml:"reference_policy"` // accept, strip
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "freelab",

		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "15s",
			WriteTimeout:    "90s",
			ShutdownTimeout: "20s",
			MaxBodyBytes:    1 << 20,
		},

		Auth: AuthConfig{
			Leeway: "30s",
		},

		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Timeout:     "60s",
			Temperature: 0.2,
			MaxTokens:   2048,
		},

		// gpt-4o-mini list price: $0.15 / $0.60 per million tokens.
		Pricing: PricingConfig{
			InputMicroUSDPerToken:  0.15,
			OutputMicroUSDPerToken: 0.6,
		},

		Quota: QuotaConfig{
			DefaultCents: 500,
		},

		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/freelab.db",
		},

		Journal: JournalConfig{
			Driver: "none",
			Dir:    "data/journal",
			S3: S3JournalConfig{
				Region: "us-east-1",
				Prefix: "steps",
			},
		},

		Engine: EngineConfig{
			HistoryWindow:   3,
			ReferencePolicy: "accept",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.Provider == "openai" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == "gemini" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("LLM_MODEL_ID"); model != "" {
		c.LLM.Model = model
	}

	if secret := os.Getenv("FREELAB_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("FREELAB_ADDR"); addr != "" {
		c.Server.Addr = addr
	}

	if path := os.Getenv("FREELAB_DB"); path != "" {
		c.Storage.SQLitePath = path
	}
	if dsn := os.Getenv("FREELAB_POSTGRES_DSN"); dsn != "" {
		c.Storage.Driver = "postgres"
		c.Storage.PostgresDSN = dsn
	}

	if bucket := os.Getenv("FREELAB_JOURNAL_BUCKET"); bucket != "" {
		c.Journal.Driver = "s3"
		c.Journal.S3.Bucket = bucket
	}

	if cents := os.Getenv("FREELAB_DEFAULT_QUOTA_CENTS"); cents != "" {
		if v, err := strconv.ParseInt(cents, 10, 64); err == nil {
			c.Quota.DefaultCents = v
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the backend call timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 90*time.Second)
}

func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 20*time.Second)
}

// GetAuthLeeway returns the tolerated clock skew for token checks.
func (c *Config) GetAuthLeeway() time.Duration {
	d, err := time.ParseDuration(c.Auth.Leeway)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

var (
	ValidProviders       = []string{"openai", "gemini", "scripted"}
	ValidStorageDrivers  = []string{"sqlite", "postgres", "memory"}
	ValidJournalDrivers  = []string{"none", "fs", "s3"}
	ValidReferencePolicy = []string{"accept", "strip"}
)

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}

// Validate validates the configuration for serving.
func (c *Config) Validate() error {
	if !oneOf(c.LLM.Provider, ValidProviders) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider != "scripted" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2], got %v", c.LLM.Temperature)
	}
	if c.LLM.MaxTokens <= 0 || c.LLM.MaxTokens > math.MaxInt32 {
		return fmt.Errorf("llm.max_tokens must be within [1, %d], got %d", math.MaxInt32, c.LLM.MaxTokens)
	}
	if c.LLM.MaxConcurrentCalls < 0 {
		return fmt.Errorf("llm.max_concurrent_calls must not be negative")
	}
	if c.Pricing.InputMicroUSDPerToken < 0 || c.Pricing.OutputMicroUSDPerToken < 0 {
		return fmt.Errorf("pricing must not be negative")
	}
	if c.Quota.DefaultCents < 0 {
		return fmt.Errorf("quota.default_cents must not be negative")
	}
	if !oneOf(c.Storage.Driver, ValidStorageDrivers) {
		return fmt.Errorf("invalid storage driver: %s (valid: %v)", c.Storage.Driver, ValidStorageDrivers)
	}
	if !oneOf(c.Journal.Driver, ValidJournalDrivers) {
		return fmt.Errorf("invalid journal driver: %s (valid: %v)", c.Journal.Driver, ValidJournalDrivers)
	}
	if c.Journal.Driver == "s3" && c.Journal.S3.Bucket == "" {
		return fmt.Errorf("journal.s3.bucket is required for the s3 journal")
	}
	if !oneOf(c.Engine.ReferencePolicy, ValidReferencePolicy) {
		return fmt.Errorf("invalid reference policy: %s (valid: %v)", c.Engine.ReferencePolicy, ValidReferencePolicy)
	}
	return nil
}

// ValidateServer additionally requires what the HTTP server needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured (set FREELAB_JWT_SECRET)")
	}
	return nil
}
