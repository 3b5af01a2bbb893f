package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
)

// Config holds server configuration.
type Config struct {
	Port                 string
	HealthPort           string
	LogLevel             string
	DatabaseURL          string
	DataDir              string
	RedisAddr            string
	RedisPassword        string
	JWTSecret            string
	RateLimitRPS         float64
	RateLimitBurst       int
	StrictApprovalReplay bool
	DefaultTier          billing.Tier
	DeploymentFile       string
	VaultFile            string
	VaultKey             string
	ArtifactStorageType  string

	OTelEnabled  bool
	OTLPEndpoint string
	OTelInsecure bool
	ServiceName  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	tier, err := billing.ParseTier(getenv("HELM_OPS_DEFAULT_TIER", string(billing.DefaultTier)))
	if err != nil {
		slog.Warn("invalid HELM_OPS_DEFAULT_TIER; using default", "error", err, "default", billing.DefaultTier)
		tier = billing.DefaultTier
	}

	return &Config{
		Port:                 getenv("PORT", "8080"),
		HealthPort:           getenv("HEALTH_PORT", "8081"),
		LogLevel:             strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DataDir:              getenv("HELM_OPS_DATA_DIR", "data"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		JWTSecret:            os.Getenv("HELM_OPS_JWT_SECRET"),
		RateLimitRPS:         getFloat("HELM_OPS_RATE_LIMIT_RPS", 20),
		RateLimitBurst:       getInt("HELM_OPS_RATE_LIMIT_BURST", 40),
		StrictApprovalReplay: getBool("HELM_OPS_STRICT_APPROVAL_REPLAY"),
		DefaultTier:          tier,
		DeploymentFile:       os.Getenv("HELM_OPS_DEPLOYMENT_FILE"),
		VaultFile:            os.Getenv("HELM_OPS_VAULT_FILE"),
		VaultKey:             os.Getenv("HELM_OPS_VAULT_KEY"),
		ArtifactStorageType:  os.Getenv("ARTIFACT_STORAGE_TYPE"),
		OTelEnabled:          getBool("OTEL_ENABLED"),
		OTLPEndpoint:         getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelInsecure:         getBool("OTEL_EXPORTER_OTLP_INSECURE"),
		ServiceName:          getenv("OTEL_SERVICE_NAME", "helm-ops"),
	}
}

// Lite reports whether no external database is configured, in which case
// state lives in SQLite under DataDir.
func (c *Config) Lite() bool { return c.DatabaseURL == "" }

// SlogLevel maps LogLevel onto a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("invalid integer setting; using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func getFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		slog.Warn("invalid number setting; using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}
