// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/paygate/internal/usdc"
	"github.com/mbd888/paygate/pkg/x402"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Payment
	PayTo              string
	Network            string
	FacilitatorURL     string
	FacilitatorAPIKey  string
	FacilitatorTimeout time.Duration
	SettleAttempts     int
	SettlePayments     bool

	// Upstream
	UpstreamURL     string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration
	ImageModel      string

	// Pricing
	PricingFile      string
	ChatProtocolFee  *big.Int
	ImageProtocolFee *big.Int

	// Refunds
	RefundPrivateKey string
	RPCURL           string
	RefundTimeout    time.Duration
	RefundTolerance  *big.Int
	SummaryInterval  time.Duration

	// Storage, optional; in-memory when unset
	DatabaseURL string

	// Security
	RateLimitRPM int
	AdminSecret  string
	CORSOrigins  []string // empty allows any origin

	// Tracing, disabled when unset
	OTLPEndpoint string
}

const (
	DefaultPort               = "4021"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultNetwork            = "base-sepolia"
	DefaultFacilitatorURL     = "https://x402.org/facilitator"
	DefaultImageModel         = "openrouter/google/gemini-image"
	DefaultFacilitatorTimeout = 10 * time.Second
	DefaultUpstreamTimeout    = 120 * time.Second
	DefaultRefundTimeout      = 60 * time.Second
	DefaultSummaryInterval    = 5 * time.Minute
	DefaultSettleAttempts     = 2
	DefaultRefundTolerance    = "0.0001"
	DefaultChatProtocolFee    = "0.002"
	DefaultImageProtocolFee   = "0"
	DefaultRateLimitRPM       = 120
)

// defaultRPC is the public RPC endpoint used for refunds when RPC_URL is unset.
var defaultRPC = map[string]string{
	"base-sepolia": "https://sepolia.base.org",
	"base":         "https://mainnet.base.org",
	"polygon-amoy": "https://rpc-amoy.polygon.technology",
	"polygon":      "https://polygon-rpc.com",
}

// Error is a configuration problem with one key.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Msg)
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var env loader
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		PayTo:              getEnv("PAY_TO_ADDRESS", os.Getenv("PAYMENT_ADDRESS")),
		Network:            getEnv("NETWORK", DefaultNetwork),
		FacilitatorURL:     getEnv("FACILITATOR_URL", DefaultFacilitatorURL),
		FacilitatorAPIKey:  os.Getenv("FACILITATOR_API_KEY"),
		FacilitatorTimeout: env.duration("FACILITATOR_TIMEOUT", DefaultFacilitatorTimeout),
		SettleAttempts:     int(env.int64("SETTLE_ATTEMPTS", DefaultSettleAttempts)),
		SettlePayments:     env.bool("SETTLE_PAYMENTS", true),
		UpstreamURL:        getEnv("UPSTREAM_URL", os.Getenv("LITELLM_URL")),
		UpstreamAPIKey:     getEnv("UPSTREAM_API_KEY", os.Getenv("LITELLM_KEY")),
		UpstreamTimeout:    env.duration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout),
		ImageModel:         getEnv("IMAGE_MODEL", DefaultImageModel),
		PricingFile:        os.Getenv("PRICING_FILE"),
		ChatProtocolFee:    env.amount("CHAT_PROTOCOL_FEE", DefaultChatProtocolFee),
		ImageProtocolFee:   env.amount("IMAGE_PROTOCOL_FEE", DefaultImageProtocolFee),
		RefundPrivateKey:   os.Getenv("REFUND_PRIVATE_KEY"),
		RPCURL:             os.Getenv("RPC_URL"),
		RefundTimeout:      env.duration("REFUND_TIMEOUT", DefaultRefundTimeout),
		RefundTolerance:    env.amount("REFUND_TOLERANCE", DefaultRefundTolerance),
		SummaryInterval:    env.duration("LEDGER_SUMMARY_INTERVAL", DefaultSummaryInterval),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RateLimitRPM:       int(env.int64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = defaultRPC[cfg.Network]
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.PayTo == "" {
		return &Error{Key: "PAY_TO_ADDRESS", Msg: "is required"}
	}
	if !common.IsHexAddress(c.PayTo) {
		return &Error{Key: "PAY_TO_ADDRESS", Msg: "must be a 0x-prefixed hex address"}
	}
	if c.UpstreamURL == "" {
		return &Error{Key: "UPSTREAM_URL", Msg: "is required"}
	}
	if !isHTTPURL(c.UpstreamURL) {
		return &Error{Key: "UPSTREAM_URL", Msg: "must be an http(s) URL"}
	}
	if !isHTTPURL(c.FacilitatorURL) {
		return &Error{Key: "FACILITATOR_URL", Msg: "must be an http(s) URL"}
	}
	if _, err := x402.LookupNetwork(c.Network); err != nil {
		return &Error{Key: "NETWORK", Msg: fmt.Sprintf("must be one of %s", strings.Join(x402.Networks(), ", "))}
	}
	if c.SettleAttempts < 1 {
		return &Error{Key: "SETTLE_ATTEMPTS", Msg: "must be at least 1"}
	}
	if c.FacilitatorTimeout <= 0 || c.UpstreamTimeout <= 0 || c.RefundTimeout <= 0 {
		return &Error{Key: "TIMEOUT", Msg: "timeouts must be positive"}
	}
	if c.RateLimitRPM < 0 {
		return &Error{Key: "RATE_LIMIT_RPM", Msg: "must not be negative"}
	}
	if c.RefundPrivateKey != "" {
		key := strings.TrimPrefix(c.RefundPrivateKey, "0x")
		if len(key) != 64 {
			return &Error{Key: "REFUND_PRIVATE_KEY", Msg: "must be 64 hex characters (with or without 0x prefix)"}
		}
		if c.RPCURL == "" {
			return &Error{Key: "RPC_URL", Msg: "is required when refunds are enabled"}
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return &Error{Key: "LOG_FORMAT", Msg: `must be "text" or "json"`}
	}
	return nil
}

// RefundsEnabled reports whether a refund wallet is configured.
func (c *Config) RefundsEnabled() bool {
	return c.RefundPrivateKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loader reads typed values and collects the ones that fail to parse.
type loader struct {
	errs []error
}

func (l *loader) fail(key, msg string) {
	l.errs = append(l.errs, &Error{Key: key, Msg: msg})
}

func (l *loader) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		l.fail(key, fmt.Sprintf("must be an integer, got %q", value))
		return defaultValue
	}
	return i
}

func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// bare numbers are seconds
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	l.fail(key, fmt.Sprintf("must be a duration, got %q", value))
	return defaultValue
}

func (l *loader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.fail(key, fmt.Sprintf("must be true or false, got %q", value))
		return defaultValue
	}
	return b
}

// amount parses a non-negative USDC decimal into atomic units.
func (l *loader) amount(key, defaultValue string) *big.Int {
	value := getEnv(key, defaultValue)
	v, ok := usdc.Parse(value)
	if !ok {
		l.fail(key, fmt.Sprintf("must be a non-negative USDC amount, got %q", value))
		return new(big.Int)
	}
	return v
}
