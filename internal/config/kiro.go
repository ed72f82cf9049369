package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// KiroConfig holds the tunables for the Kiro gateway surface (spec.md §6):
// local API auth, the Credential Store selector, model pricing, billing
// toggles, and the Auth Manager / HTTP Engine timeouts. Unlike Config
// above (TOML + TOKENMAN_-prefixed env, viper-backed), this surface's env
// vars are specified by spec.md §6 as flat process-environment variables
// with no TOML equivalent, so it is read directly from os.Getenv rather
// than folded into the viper-backed Config. In internal/daemon.Run, Config
// supplies the data directory, log level and config watcher, and
// KiroConfig configures the gateway's only HTTP listener.
type KiroConfig struct {
	// APIKey authenticates local clients calling the Kiro surface
	// (APP_API_KEY, falling back to PROXY_API_KEY).
	APIKey string

	CredentialSource CredentialSourceKind
	CredentialPath   string // file path, KV db path, or document DSN

	Port int

	Pricing PricingConfig
	Auth    KiroAuthConfig
	HTTP    KiroHTTPConfig
}

// CredentialSourceKind selects which credential.Store variant to build.
type CredentialSourceKind string

const (
	CredentialSourceAuto     CredentialSourceKind = "auto"
	CredentialSourceFile     CredentialSourceKind = "file"
	CredentialSourceKV       CredentialSourceKind = "kv"
	CredentialSourceDocument CredentialSourceKind = "document"
	CredentialSourceEnv      CredentialSourceKind = "env"
)

// PricingConfig mirrors kiro/billing.py's BILLING_* environment knobs.
type PricingConfig struct {
	Enabled                bool
	EnforceSufficientCredit bool
	DecimalPlaces          int
	UnknownModelPolicy     string // reject | free | default
	DownweightEstimated    bool

	// Models is the structured per-model pricing list
	// (BILLING_MODEL_PRICES_JSON: a JSON array of {id,
	// input_price_per_mtok, output_price_per_mtok,
	// cache_write_price_per_mtok, cache_hit_price_per_mtok,
	// billing_multiplier}).
	Models []PricingModel

	DefaultInputPrice      string
	DefaultOutputPrice     string
	DefaultCacheWritePrice string
	DefaultCacheHitPrice   string
	DefaultMultiplier      string
}

// PricingModel is one row of the BILLING_MODEL_PRICES_JSON array.
type PricingModel struct {
	ID                     string `json:"id"`
	InputPricePerMtok      string `json:"input_price_per_mtok"`
	OutputPricePerMtok     string `json:"output_price_per_mtok"`
	CacheWritePricePerMtok string `json:"cache_write_price_per_mtok"`
	CacheHitPricePerMtok   string `json:"cache_hit_price_per_mtok"`
	BillingMultiplier      string `json:"billing_multiplier"`
}

// KiroAuthConfig mirrors the Auth Manager's spec.md §6 environment knobs.
type KiroAuthConfig struct {
	RefreshThreshold time.Duration // TOKEN_REFRESH_THRESHOLD (seconds)
	DeviceOAuthForm  bool          // true: form-urlencoded snake_case; false: JSON camelCase
	DefaultRegion    string
}

// KiroHTTPConfig mirrors the HTTP Engine's spec.md §6 environment knobs.
type KiroHTTPConfig struct {
	RequestTimeout       time.Duration // REQUEST_TIMEOUT_SECONDS
	MaxRetries           int           // MAX_RETRIES
	BaseRetryDelay       time.Duration // BASE_RETRY_DELAY (seconds)
	FirstTokenTimeout    time.Duration // FIRST_TOKEN_TIMEOUT (seconds)
	FirstTokenMaxRetries int           // FIRST_TOKEN_MAX_RETRIES
	StreamingReadTimeout time.Duration // STREAMING_READ_TIMEOUT (seconds)
}

// LoadKiroConfig reads the Kiro gateway surface's configuration from the
// process environment (spec.md §6 "Configuration (process environment)").
// A missing APP_API_KEY/PROXY_API_KEY is a configuration error surfaced at
// startup, per spec.md §6's "non-zero on configuration error" exit rule.
func LoadKiroConfig() (*KiroConfig, error) {
	cfg := &KiroConfig{
		APIKey:           firstNonEmpty(os.Getenv("APP_API_KEY"), os.Getenv("PROXY_API_KEY")),
		CredentialSource: CredentialSourceKind(envOr("KIRO_CREDENTIAL_SOURCE", string(CredentialSourceAuto))),
		CredentialPath:   envOr("KIRO_CREDENTIAL_PATH", "~/.aws/sso/cache"),
		Port:             envInt("KIRO_GATEWAY_PORT", 8787),
		Pricing: PricingConfig{
			Enabled:                 envBool("BILLING_ENABLED", false),
			EnforceSufficientCredit: envBool("BILLING_ENFORCE_SUFFICIENT_CREDITS", true),
			DecimalPlaces:           envInt("BILLING_DECIMAL_PLACES", 6),
			UnknownModelPolicy:      envOr("BILLING_UNKNOWN_MODEL_POLICY", "default"),
			DownweightEstimated:     envBool("BILLING_DOWNWEIGHT_ESTIMATED", false),
			DefaultInputPrice:       envOr("BILLING_DEFAULT_INPUT_PRICE_PER_MTOK", "3.0"),
			DefaultOutputPrice:      envOr("BILLING_DEFAULT_OUTPUT_PRICE_PER_MTOK", "15.0"),
			DefaultCacheWritePrice:  envOr("BILLING_DEFAULT_CACHE_WRITE_PRICE_PER_MTOK", "3.75"),
			DefaultCacheHitPrice:    envOr("BILLING_DEFAULT_CACHE_HIT_PRICE_PER_MTOK", "0.3"),
			DefaultMultiplier:       envOr("BILLING_DEFAULT_MULTIPLIER", "1.0"),
		},
		Auth: KiroAuthConfig{
			RefreshThreshold: time.Duration(envInt("TOKEN_REFRESH_THRESHOLD", 600)) * time.Second,
			DeviceOAuthForm:  envBool("KIRO_DEVICE_OAUTH_FORM_ENCODED", true),
			DefaultRegion:    envOr("KIRO_DEFAULT_REGION", "us-east-1"),
		},
		HTTP: KiroHTTPConfig{
			RequestTimeout:       time.Duration(envInt("REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
			MaxRetries:           envInt("MAX_RETRIES", 3),
			BaseRetryDelay:       time.Duration(envInt("BASE_RETRY_DELAY", 1)) * time.Second,
			FirstTokenTimeout:    time.Duration(envInt("FIRST_TOKEN_TIMEOUT", 15)) * time.Second,
			FirstTokenMaxRetries: envInt("FIRST_TOKEN_MAX_RETRIES", 2),
			StreamingReadTimeout: time.Duration(envInt("STREAMING_READ_TIMEOUT", 60)) * time.Second,
		},
	}

	if models, err := parsePricingJSON(os.Getenv("BILLING_MODEL_PRICES_JSON")); err != nil {
		return nil, fmt.Errorf("config: parsing BILLING_MODEL_PRICES_JSON: %w", err)
	} else {
		cfg.Pricing.Models = models
	}

	if err := validateKiroConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateKiroConfig(cfg *KiroConfig) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("config: APP_API_KEY (or PROXY_API_KEY) is required")
	}
	switch cfg.CredentialSource {
	case CredentialSourceAuto, CredentialSourceFile, CredentialSourceKV, CredentialSourceDocument, CredentialSourceEnv:
	default:
		return fmt.Errorf("config: KIRO_CREDENTIAL_SOURCE must be one of auto|file|kv|document|env, got %q", cfg.CredentialSource)
	}
	switch cfg.Pricing.UnknownModelPolicy {
	case "reject", "free", "default":
	default:
		return fmt.Errorf("config: BILLING_UNKNOWN_MODEL_POLICY must be one of reject|free|default, got %q", cfg.Pricing.UnknownModelPolicy)
	}
	return nil
}

func parsePricingJSON(raw string) ([]PricingModel, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var models []PricingModel
	if err := json.Unmarshal([]byte(raw), &models); err != nil {
		return nil, err
	}
	return models, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
