// Package config handles process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/mbd888/signgate/internal/approval"
	"github.com/mbd888/signgate/internal/chain"
	"github.com/mbd888/signgate/internal/txbuild"
)

// ApprovalMode selects how require_approval decisions are resolved.
type ApprovalMode string

const (
	ApprovalWeb  ApprovalMode = "web"
	ApprovalCLI  ApprovalMode = "cli"
	ApprovalAuto ApprovalMode = "auto"
)

// Config holds all process configuration.
type Config struct {
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	DatabaseURL string // optional; in-memory stores when empty
	RedisURL    string // optional; shares tokens and rate counts across replicas

	// RPC. ChainRPCURLs wins over RPCURL+ChainID when both are set.
	RPCURL       string
	ChainID      int64
	ChainRPCURLs string
	KnownRouters map[int64][]string

	PolicyFile string

	ApprovalMode     ApprovalMode
	ApprovalTimeout  time.Duration
	TokenTTL         time.Duration
	PendingTTL       time.Duration
	SweepInterval    time.Duration
	PreflightTimeout time.Duration

	KeystoreDir          string
	UnlockAddress        string
	UnlockPassphraseFile string
	UnlockDuration       time.Duration

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	// AllowedOrigins lists browser origins allowed to call the API.
	AllowedOrigins []string

	// AgentAPIKeys and ApproverAPIKeys hold raw "sk_" keys or "sha256:"
	// hashes. Both empty disables authentication outside production.
	AgentAPIKeys    []string
	ApproverAPIKeys []string

	// WebhookURLs receive approval_requested/approval_decided events.
	WebhookURLs   []string
	WebhookSecret string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultChainID          = 84532 // Base Sepolia
	DefaultApprovalMode     = ApprovalWeb
	DefaultApprovalTimeout  = 5 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultPreflightTimeout = 10 * time.Second
)

// Load reads configuration from the environment, loading .env first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	routers, err := ParseRouters(os.Getenv("KNOWN_ROUTERS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RPCURL:               os.Getenv("RPC_URL"),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		ChainRPCURLs:         os.Getenv("CHAIN_RPC_URLS"),
		KnownRouters:         routers,
		PolicyFile:           os.Getenv("POLICY_FILE"),
		ApprovalMode:         ApprovalMode(strings.ToLower(getEnv("APPROVAL_MODE", string(DefaultApprovalMode)))),
		ApprovalTimeout:      getEnvDuration("APPROVAL_TIMEOUT", DefaultApprovalTimeout),
		TokenTTL:             getEnvDuration("TOKEN_TTL", approval.DefaultTTL),
		PendingTTL:           getEnvDuration("PENDING_TTL", approval.DefaultPendingTTL),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		PreflightTimeout:     getEnvDuration("PREFLIGHT_TIMEOUT", DefaultPreflightTimeout),
		KeystoreDir:          os.Getenv("KEYSTORE_DIR"),
		UnlockAddress:        os.Getenv("UNLOCK_ADDRESS"),
		UnlockPassphraseFile: os.Getenv("UNLOCK_PASSPHRASE_FILE"),
		UnlockDuration:       getEnvDuration("UNLOCK_DURATION", 0),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:         getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		AllowedOrigins:       splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		AgentAPIKeys:         splitList(os.Getenv("AGENT_API_KEYS")),
		ApproverAPIKeys:      splitList(os.Getenv("APPROVER_API_KEYS")),
		WebhookURLs:          splitList(os.Getenv("APPROVAL_WEBHOOK_URLS")),
		WebhookSecret:        os.Getenv("APPROVAL_WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	switch c.ApprovalMode {
	case ApprovalWeb, ApprovalCLI, ApprovalAuto:
	default:
		return fmt.Errorf("APPROVAL_MODE must be web, cli or auto, got %q", c.ApprovalMode)
	}
	if c.ApprovalMode == ApprovalAuto && c.IsProduction() {
		return fmt.Errorf("APPROVAL_MODE=auto is not allowed when ENV=production")
	}
	for name, d := range map[string]time.Duration{
		"APPROVAL_TIMEOUT":  c.ApprovalTimeout,
		"TOKEN_TTL":         c.TokenTTL,
		"PENDING_TTL":       c.PendingTTL,
		"SWEEP_INTERVAL":    c.SweepInterval,
		"PREFLIGHT_TIMEOUT": c.PreflightTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.TokenTTL%time.Second != 0 {
		return fmt.Errorf("TOKEN_TTL must be a whole number of seconds")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.ChainRPCURLs != "" {
		if _, err := chain.ParseRPCURLs(c.ChainRPCURLs); err != nil {
			return fmt.Errorf("CHAIN_RPC_URLS: %w", err)
		}
	}
	if c.IsProduction() && (len(c.AgentAPIKeys) == 0 || len(c.ApproverAPIKeys) == 0) {
		return fmt.Errorf("AGENT_API_KEYS and APPROVER_API_KEYS are required when ENV=production")
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "https://") && !(c.IsDevelopment() && strings.HasPrefix(u, "http://")) {
			return fmt.Errorf("APPROVAL_WEBHOOK_URLS: %q must use https", u)
		}
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("APPROVAL_WEBHOOK_SECRET is required in production")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.UnlockAddress != "" {
		if !common.IsHexAddress(c.UnlockAddress) {
			return fmt.Errorf("UNLOCK_ADDRESS must be a 0x-prefixed address")
		}
		if c.KeystoreDir == "" {
			return fmt.Errorf("KEYSTORE_DIR is required when UNLOCK_ADDRESS is set")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RPCURLs returns the configured endpoint per chain, or nil when no RPC is
// configured and chain-dependent stages must report rpc_unconfigured.
func (c *Config) RPCURLs() (map[int64]string, error) {
	if c.ChainRPCURLs != "" {
		return chain.ParseRPCURLs(c.ChainRPCURLs)
	}
	if c.RPCURL != "" {
		return map[int64]string{c.ChainID: c.RPCURL}, nil
	}
	return nil, nil
}

// Routers merges KNOWN_ROUTERS over the built-in router list. A chain named
// in KNOWN_ROUTERS replaces that chain's defaults.
func (c *Config) Routers() map[int64][]string {
	out := make(map[int64][]string, len(txbuild.DefaultRouters)+len(c.KnownRouters))
	for id, rs := range txbuild.DefaultRouters {
		out[id] = append([]string(nil), rs...)
	}
	for id, rs := range c.KnownRouters {
		out[id] = append([]string(nil), rs...)
	}
	return out
}

// UnlockPassphrase reads the keystore passphrase file, trimming the trailing newline.
func (c *Config) UnlockPassphrase() (string, error) {
	if c.UnlockPassphraseFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.UnlockPassphraseFile)
	if err != nil {
		return "", fmt.Errorf("read UNLOCK_PASSPHRASE_FILE: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// ParseRouters parses "8453=0xA|0xB,1=0xC".
func ParseRouters(s string) (map[int64][]string, error) {
	out := make(map[int64][]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, list, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("KNOWN_ROUTERS: malformed entry %q, want <chainId>=<addr>|<addr>", part)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("KNOWN_ROUTERS: invalid chain id %q", id)
		}
		for _, addr := range strings.Split(list, "|") {
			addr = strings.TrimSpace(addr)
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("KNOWN_ROUTERS: invalid router %q on chain %d", addr, n)
			}
			out[n] = append(out[n], addr)
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
