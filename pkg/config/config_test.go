package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-ops/pkg/billing"
	"github.com/Mindburn-Labs/helm-ops/pkg/config"
)

var envKeys = []string{
	"PORT", "HEALTH_PORT", "LOG_LEVEL", "DATABASE_URL", "HELM_OPS_DATA_DIR", "REDIS_ADDR",
	"HELM_OPS_JWT_SECRET", "HELM_OPS_RATE_LIMIT_RPS", "HELM_OPS_RATE_LIMIT_BURST",
	"HELM_OPS_STRICT_APPROVAL_REPLAY", "HELM_OPS_DEFAULT_TIER", "HELM_OPS_DEPLOYMENT_FILE",
	"OTEL_ENABLED", "OTEL_SERVICE_NAME",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, "data", cfg.DataDir)
	assert.True(t, cfg.Lite())
	assert.Equal(t, 20.0, cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.False(t, cfg.StrictApprovalReplay)
	assert.Equal(t, billing.TierProfessional, cfg.DefaultTier)
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "helm-ops", cfg.ServiceName)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://ops:5432/db")
	t.Setenv("HELM_OPS_RATE_LIMIT_RPS", "2.5")
	t.Setenv("HELM_OPS_RATE_LIMIT_BURST", "nope")
	t.Setenv("HELM_OPS_STRICT_APPROVAL_REPLAY", "true")
	t.Setenv("HELM_OPS_DEFAULT_TIER", "starter")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.False(t, cfg.Lite())
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
	assert.True(t, cfg.StrictApprovalReplay)
	assert.Equal(t, billing.TierBasic, cfg.DefaultTier)
}

func TestLoad_InvalidTierFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("HELM_OPS_DEFAULT_TIER", "platinum")
	assert.Equal(t, billing.DefaultTier, config.Load().DefaultTier)
}

func TestLoadDeployment_Default(t *testing.T) {
	d, err := config.LoadDeployment("")
	require.NoError(t, err)
	assert.ElementsMatch(t, config.DefaultSensitiveActions, d.SensitiveActions)
	assert.Equal(t, 60, d.MutationBudget.PerMinute)
	assert.Equal(t, billing.TierEnterprise, d.DeclaredTier("any", billing.TierEnterprise))
}

func TestLoadDeployment_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sensitive_actions:
  - Release.Promote
  - secrets.rotate
sensitive_rules:
  - 'request.destination == "network"'
mutation_budget:
  burst: 5
workspaces:
  acme:
    tier: pro
  labs: {}
`), 0o600))

	d, err := config.LoadDeployment(path)
	require.NoError(t, err)
	assert.Contains(t, d.SensitiveActions, "secrets.rotate")
	assert.Len(t, d.SensitiveActions, len(config.DefaultSensitiveActions)+1)
	assert.Equal(t, []string{`request.destination == "network"`}, d.SensitiveRules)
	assert.Equal(t, 60, d.MutationBudget.PerMinute)
	assert.Equal(t, 5, d.MutationBudget.Burst)
	assert.Equal(t, billing.TierProfessional, d.DeclaredTier("acme", billing.TierBasic))
	assert.Equal(t, billing.TierBasic, d.DeclaredTier("labs", billing.TierBasic))
}

func TestParseDeployment_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":   "bogus: true\n",
		"unknown tier":    "workspaces:\n  acme:\n    tier: gold\n",
		"negative budget": "mutation_budget:\n  per_minute: -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseDeployment([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err := config.LoadDeployment(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
