package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLMVendor selects which vendor envelope the analyzer speaks.
type LLMVendor string

const (
	VendorAnthropic LLMVendor = "anthropic"
	VendorOpenAI    LLMVendor = "openai"
)

// LLMConfig holds the vendor endpoint settings for the analyzer.
type LLMConfig struct {
	Vendor   LLMVendor
	Endpoint string
	APIKey   string
	Model    string
	Version  string // anthropic-version header; unused by openai
}

// Config holds every startup setting. All values are read once at startup.
type Config struct {
	HostAddr         string
	DatabaseURL      string
	EmbedderEndpoint string
	JWTSecret        string
	LLM              LLMConfig

	// Tunables with defaults.
	ControlChannelCapacity int
	HTTPTimeout            time.Duration
	LLMTimeout             time.Duration
}

// EnvLookup resolves one environment variable, mirroring os.LookupEnv.
type EnvLookup func(key string) (string, bool)

type loadOptions struct {
	envLookup EnvLookup
	dotenv    bool
}

// Option customizes Load, primarily for tests.
type Option func(*loadOptions)

// WithEnvLookup substitutes the environment source.
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
		o.dotenv = false
	}
}

// Load reads the full configuration from the environment. A .env file in the
// working directory is merged in first when present. Missing required keys
// are collected and returned as a single error.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: os.LookupEnv, dotenv: true}
	for _, opt := range opts {
		opt(&options)
	}
	if options.dotenv {
		// Best effort; absence of a .env file is the normal case.
		_ = godotenv.Load()
	}

	var missing []string
	require := func(key string) string {
		val, ok := options.envLookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			missing = append(missing, key)
			return ""
		}
		return strings.TrimSpace(val)
	}
	optional := func(key, fallback string) string {
		if val, ok := options.envLookup(key); ok && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
		return fallback
	}

	cfg := Config{
		HostAddr:               require("HOST_ADDR"),
		DatabaseURL:            require("DATABASE_URL"),
		EmbedderEndpoint:       require("EMBEDDER_ENDPOINT"),
		JWTSecret:              require("JWT_SECRET"),
		ControlChannelCapacity: 10000,
		HTTPTimeout:            30 * time.Second,
		LLMTimeout:             120 * time.Second,
	}

	if raw := optional("SCHEDULER_CONTROL_CAPACITY", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.ControlChannelCapacity = n
		}
	}

	llm, llmErr := loadLLM(options.envLookup)
	cfg.LLM = llm

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if llmErr != nil {
		return Config{}, llmErr
	}
	return cfg, nil
}

// loadLLM resolves the analyzer vendor. Anthropic settings win when both
// vendors are configured; at least one complete set is required.
func loadLLM(lookup EnvLookup) (LLMConfig, error) {
	get := func(key string) string {
		val, _ := lookup(key)
		return strings.TrimSpace(val)
	}

	if key := get("ANTHROPIC_API_KEY"); key != "" {
		cfg := LLMConfig{
			Vendor:   VendorAnthropic,
			Endpoint: get("ANTHROPIC_ENDPOINT"),
			APIKey:   key,
			Model:    get("ANTHROPIC_MODEL"),
			Version:  get("ANTHROPIC_VERSION"),
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = "https://api.anthropic.com/v1/messages"
		}
		if cfg.Version == "" {
			cfg.Version = "2023-06-01"
		}
		if cfg.Model == "" {
			return LLMConfig{}, fmt.Errorf("ANTHROPIC_MODEL is required when ANTHROPIC_API_KEY is set")
		}
		return cfg, nil
	}

	if key := get("OPENAI_API_KEY"); key != "" {
		cfg := LLMConfig{
			Vendor:   VendorOpenAI,
			Endpoint: get("OPENAI_ENDPOINT"),
			APIKey:   key,
			Model:    get("OPENAI_MODEL"),
		}
		if cfg.Endpoint == "" {
			cfg.Endpoint = "https://api.openai.com/v1/chat/completions"
		}
		if cfg.Model == "" {
			return LLMConfig{}, fmt.Errorf("OPENAI_MODEL is required when OPENAI_API_KEY is set")
		}
		return cfg, nil
	}

	return LLMConfig{}, fmt.Errorf("no LLM vendor configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
}
