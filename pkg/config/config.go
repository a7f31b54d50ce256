package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/trust"
)

// Block store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var ErrInvalid = errors.New("config: invalid configuration")

const minAdminSecret = 32

// Config holds node configuration.
type Config struct {
	Port       string `yaml:"port"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Production bool   `yaml:"production"`

	StoreBackend  string `yaml:"store_backend"`
	DatabaseURL   string `yaml:"database_url"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SubscriberID   string `yaml:"subscriber_id"`
	BapUniqueKeyID string `yaml:"bap_unique_key_id"`
	BppUniqueKeyID string `yaml:"bpp_unique_key_id"`
	BapPrivateKey  string `yaml:"bap_private_key"`
	BppPrivateKey  string `yaml:"bpp_private_key"`

	SigningEnabled bool `yaml:"signing_enabled"`
	// SigningStrict defaults to Production when unset.
	SigningStrict *bool         `yaml:"signing_strict"`
	SignatureTTL  time.Duration `yaml:"signature_ttl"`
	MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
	AllowUnsigned bool          `yaml:"allow_unsigned"`
	TrustAllKeys  bool          `yaml:"trust_all_keys"`
	// IdempotencyTTL is how long a replayable response is kept. Zero
	// disables Idempotency-Key handling.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	// AdminJWTSecret signs operator tokens for the catalog, delivery and
	// key routes. Empty leaves those routes refusing every request.
	AdminJWTSecret string `yaml:"admin_jwt_secret"`

	Matching Matching     `yaml:"matching"`
	Trust    trust.Config `yaml:"trust"`

	CDSURL      string   `yaml:"cds_url"`
	BPPURL      string   `yaml:"bpp_url"`
	CORSOrigins []string `yaml:"cors_origins"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	ProtocolVersion string `yaml:"protocol_version"`
	ProtocolAccept  string `yaml:"protocol_accept"`
}

// Matching holds the matcher thresholds and weights.
type Matching struct {
	Weights           matcher.Weights `yaml:"weights"`
	MinTrustThreshold float64         `yaml:"min_trust_threshold"`
	DefaultTrustScore float64         `yaml:"default_trust_score"`
}

// Default returns the development defaults.
func Default() *Config {
	m := matcher.DefaultConfig()
	return &Config{
		Port:            "8080",
		LogLevel:        "INFO",
		LogFormat:       "text",
		StoreBackend:    BackendMemory,
		SQLitePath:      "energy.db",
		RedisAddr:       "localhost:6379",
		SubscriberID:    "localhost",
		BapUniqueKeyID:  "bap-key-1",
		BppUniqueKeyID:  "bpp-key-1",
		SigningEnabled:  true,
		SignatureTTL:    30 * time.Second,
		MaxClockSkew:    60 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
		Matching:        Matching{Weights: m.Weights, MinTrustThreshold: m.MinTrustThreshold, DefaultTrustScore: m.DefaultTrustScore},
		Trust:           trust.DefaultConfig(),
		OTelEndpoint:    "localhost:4317",
		ProtocolVersion: "1.1.0",
		ProtocolAccept:  ">= 1.0.0, < 2.0.0",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE and the environment, in that order. Environment wins.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit YAML file. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	seconds := func(key string, dst *time.Duration) {
		var n int
		integer(key, &n)
		if n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	boolean("PRODUCTION", &c.Production)

	str("STORE_BACKEND", &c.StoreBackend)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	integer("REDIS_DB", &c.RedisDB)

	str("SUBSCRIBER_ID", &c.SubscriberID)
	str("BAP_UNIQUE_KEY_ID", &c.BapUniqueKeyID)
	str("BPP_UNIQUE_KEY_ID", &c.BppUniqueKeyID)
	str("BAP_PRIVATE_KEY", &c.BapPrivateKey)
	str("BPP_PRIVATE_KEY", &c.BppPrivateKey)

	boolean("SIGNING_ENABLED", &c.SigningEnabled)
	if v := os.Getenv("SIGNING_STRICT"); v != "" {
		var strict bool
		boolean("SIGNING_STRICT", &strict)
		c.SigningStrict = &strict
	}
	seconds("SIGNATURE_TTL_SECONDS", &c.SignatureTTL)
	seconds("MAX_CLOCK_SKEW_SECONDS", &c.MaxClockSkew)
	seconds("IDEMPOTENCY_TTL_SECONDS", &c.IdempotencyTTL)
	boolean("ALLOW_UNSIGNED", &c.AllowUnsigned)
	boolean("TRUST_ALL_KEYS", &c.TrustAllKeys)
	str("ADMIN_JWT_SECRET", &c.AdminJWTSecret)

	float("MIN_TRUST_THRESHOLD", &c.Matching.MinTrustThreshold)
	float("DEFAULT_TRUST_SCORE", &c.Matching.DefaultTrustScore)
	float("MATCH_WEIGHT_PRICE", &c.Matching.Weights.Price)
	float("MATCH_WEIGHT_TRUST", &c.Matching.Weights.Trust)
	float("MATCH_WEIGHT_TIME", &c.Matching.Weights.TimeWindow)

	float("TRUST_DELIVERY_BONUS", &c.Trust.DeliveryBonus)
	float("TRUST_DELIVERY_PENALTY", &c.Trust.DeliveryPenalty)
	float("TRUST_SELLER_CANCEL_PENALTY", &c.Trust.SellerCancelPenalty)
	float("TRUST_BUYER_CANCEL_PENALTY", &c.Trust.BuyerCancelPenalty)

	str("CDS_URL", &c.CDSURL)
	str("BPP_URL", &c.BPPURL)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}

	float("RATE_LIMIT_RPS", &c.RateLimitRPS)
	integer("RATE_LIMIT_BURST", &c.RateLimitBurst)

	boolean("OTEL_ENABLED", &c.OTelEnabled)
	str("OTEL_ENDPOINT", &c.OTelEndpoint)

	str("PROTOCOL_VERSION", &c.ProtocolVersion)
	str("PROTOCOL_ACCEPT", &c.ProtocolAccept)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Strict reports whether outbound requests must be signed.
func (c *Config) Strict() bool {
	if c.SigningStrict != nil {
		return *c.SigningStrict
	}
	return c.Production
}

// MatcherConfig converts the matching section.
func (c *Config) MatcherConfig() matcher.Config {
	return matcher.Config{
		Weights:           c.Matching.Weights,
		MinTrustThreshold: c.Matching.MinTrustThreshold,
		DefaultTrustScore: c.Matching.DefaultTrustScore,
	}
}

// Validate rejects unusable settings and returns warnings for settings that
// work but are probably unintended.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}
	if c.SubscriberID == "" {
		errs = append(errs, errors.New("SUBSCRIBER_ID must not be empty"))
	}
	if c.SignatureTTL <= 0 {
		errs = append(errs, errors.New("SIGNATURE_TTL_SECONDS must be positive"))
	}
	if c.IdempotencyTTL < 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL_SECONDS must not be negative"))
	}
	if c.Production && c.AdminJWTSecret != "" && len(c.AdminJWTSecret) < minAdminSecret {
		errs = append(errs, fmt.Errorf("ADMIN_JWT_SECRET must be at least %d bytes in production", minAdminSecret))
	}
	for name, v := range map[string]float64{
		"MIN_TRUST_THRESHOLD": c.Matching.MinTrustThreshold,
		"DEFAULT_TRUST_SCORE": c.Matching.DefaultTrustScore,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}

	if sum := c.Matching.Weights.Sum(); math.Abs(sum-1) > 1e-9 {
		warnings = append(warnings, fmt.Sprintf("match weights sum to %.4f, not 1; scores are not normalized", sum))
	}
	if c.Production && c.AllowUnsigned {
		warnings = append(warnings, "ALLOW_UNSIGNED is set in production")
	}
	if c.Production && c.TrustAllKeys {
		warnings = append(warnings, "TRUST_ALL_KEYS is set in production")
	}
	if c.Production && c.AdminJWTSecret == "" {
		warnings = append(warnings, "ADMIN_JWT_SECRET is not set; admin routes refuse every request")
	}
	if !c.SigningEnabled && c.Strict() {
		warnings = append(warnings, "signing is disabled in strict mode; outbound requests will fail")
	}
	return warnings, nil
}
