// Package config loads server settings from .env and the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	AuthModeDevelopment = "development"
	AuthModeExternal    = "external"

	AuditSinkPostgres = "postgres"
	AuditSinkLevelDB  = "leveldb"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	HIPAAEncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int    `mapstructure:"HIPAA_KEY_VERSION"`
	HIPAAPreviousKeys  string `mapstructure:"HIPAA_PREVIOUS_KEYS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	LLMBaseURL              string        `mapstructure:"LLM_BASE_URL"`
	LLMAPIKey               string        `mapstructure:"LLM_API_KEY"`
	LLMModel                string        `mapstructure:"LLM_MODEL"`
	ClassifierModel         string        `mapstructure:"CLASSIFIER_MODEL"`
	ClassifierMinConfidence float64       `mapstructure:"CLASSIFIER_MIN_CONFIDENCE"`
	ClassifierTimeout       time.Duration `mapstructure:"CLASSIFIER_TIMEOUT"`
	GenerationTimeout       time.Duration `mapstructure:"GENERATION_TIMEOUT"`
	DataAccessTimeout       time.Duration `mapstructure:"DATA_ACCESS_TIMEOUT"`
	ContextBudgetChars      int           `mapstructure:"CONTEXT_BUDGET_CHARS"`
	HistoryTailTurns        int           `mapstructure:"HISTORY_TAIL_TURNS"`
	RelationshipWindow      time.Duration `mapstructure:"RELATIONSHIP_WINDOW"`
	DeidRulesFile           string        `mapstructure:"DEID_RULES_FILE"`

	WeaviateHost   string `mapstructure:"WEAVIATE_HOST"`
	WeaviateScheme string `mapstructure:"WEAVIATE_SCHEME"`
	WeaviateClass  string `mapstructure:"WEAVIATE_CLASS"`

	AuditSink        string `mapstructure:"AUDIT_SINK"`
	AuditLevelDBPath string `mapstructure:"AUDIT_LEVELDB_PATH"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`
	TracingStdout     bool    `mapstructure:"TRACING_STDOUT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"LLM_BASE_URL", "LLM_API_KEY", "LLM_MODEL", "CLASSIFIER_MODEL",
	"CLASSIFIER_MIN_CONFIDENCE", "CLASSIFIER_TIMEOUT", "GENERATION_TIMEOUT",
	"DATA_ACCESS_TIMEOUT", "CONTEXT_BUDGET_CHARS", "HISTORY_TAIL_TURNS",
	"RELATIONSHIP_WINDOW", "DEID_RULES_FILE",
	"WEAVIATE_HOST", "WEAVIATE_SCHEME", "WEAVIATE_CLASS",
	"AUDIT_SINK", "AUDIT_LEVELDB_PATH",
	"TRACING_ENABLED", "TRACING_SAMPLE_RATE", "TRACING_STDOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("CLASSIFIER_MIN_CONFIDENCE", 0.5)
	v.SetDefault("CLASSIFIER_TIMEOUT", "5s")
	v.SetDefault("GENERATION_TIMEOUT", "45s")
	v.SetDefault("DATA_ACCESS_TIMEOUT", "10s")
	v.SetDefault("CONTEXT_BUDGET_CHARS", 12000)
	v.SetDefault("HISTORY_TAIL_TURNS", 6)
	v.SetDefault("RELATIONSHIP_WINDOW", "8760h")
	v.SetDefault("WEAVIATE_SCHEME", "http")
	v.SetDefault("WEAVIATE_CLASS", "MedicalKnowledge")
	v.SetDefault("AUDIT_LEVELDB_PATH", "data/audit")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)

	// Unmarshal only sees env vars that are bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	// Without a database the audit chain goes to the local LevelDB log.
	if cfg.AuditSink == "" {
		cfg.AuditSink = AuditSinkPostgres
		if cfg.InMemory() {
			cfg.AuditSink = AuditSinkLevelDB
		}
	}

	if cfg.DatabaseURL == "" && !cfg.IsDev() {
		return nil, fmt.Errorf("DATABASE_URL is required outside development")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// InMemory reports whether the server runs on fixture stores instead of
// Postgres.
func (c *Config) InMemory() bool {
	return c.DatabaseURL == ""
}

// ResolvedAuthMode returns AUTH_MODE if set. Otherwise development
// environments sign their own tokens and everything else trusts an
// external issuer.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeExternal
}

// Validate checks cross-field rules. Identity is always verified: external
// mode needs an issuer or JWKS endpoint, and development mode never runs in
// production.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeExternal:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is %q", mode)
		}
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", mode)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeExternal, mode)
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	switch c.AuditSink {
	case AuditSinkPostgres:
		if c.InMemory() {
			return fmt.Errorf("AUDIT_SINK %q requires DATABASE_URL", c.AuditSink)
		}
	case AuditSinkLevelDB:
		if c.AuditLevelDBPath == "" {
			return fmt.Errorf("AUDIT_LEVELDB_PATH is required when AUDIT_SINK is %q", c.AuditSink)
		}
	default:
		return fmt.Errorf("AUDIT_SINK must be %q or %q, got %q", AuditSinkPostgres, AuditSinkLevelDB, c.AuditSink)
	}

	if c.ClassifierMinConfidence < 0 || c.ClassifierMinConfidence > 1 {
		return fmt.Errorf("CLASSIFIER_MIN_CONFIDENCE must be between 0 and 1, got %v", c.ClassifierMinConfidence)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1, got %v", c.TracingSampleRate)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
