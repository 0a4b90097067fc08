package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "FORENSIC_LOG_PATH",
		"TENANT_PROFILES_DIR", "DRIFT_PVALUE_THRESHOLD", "CONTAMINATION_THRESHOLD",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "runtime_forensics.log", cfg.ForensicLogPath)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
	assert.Equal(t, 0.10, cfg.DriftPValueThreshold)
	assert.Equal(t, 0.10, cfg.ContaminationThreshold)
	assert.Equal(t, 20, cfg.RateLimitRPS)
	assert.Equal(t, 40, cfg.RateLimitBurst)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DRIFT_PVALUE_THRESHOLD", "0.25")
	t.Setenv("RATE_LIMIT_RPS", "5")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 0.25, cfg.DriftPValueThreshold)
	assert.Equal(t, 5, cfg.RateLimitRPS)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("DRIFT_PVALUE_THRESHOLD", "not-a-number")
	t.Setenv("RATE_LIMIT_RPS", "many")

	cfg := Load()
	assert.Equal(t, 0.10, cfg.DriftPValueThreshold)
	assert.Equal(t, 20, cfg.RateLimitRPS)
}

func writeProfile(t *testing.T, dir, tenant, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+tenant+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadTenantProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "acme", `
tenant_id: acme
display_name: Acme Corp
namespace_vector: [0.5, 0.5, 0.0]
contamination_threshold: 0.05
drift_pvalue_threshold: 0.2
retrieval_top_k: 7
export_enabled: true
`)

	defaults := &Config{ContaminationThreshold: 0.10, DriftPValueThreshold: 0.10}
	profile, err := LoadTenantProfile(dir, "ACME", defaults)
	require.NoError(t, err)

	assert.Equal(t, "acme", profile.TenantID)
	assert.Equal(t, "Acme Corp", profile.DisplayName)
	assert.Equal(t, []float64{0.5, 0.5, 0.0}, profile.NamespaceVector)
	assert.Equal(t, 0.05, profile.ContaminationThreshold)
	assert.Equal(t, 0.2, profile.DriftPValueThreshold)
	assert.Equal(t, 7, profile.RetrievalTopK)
	assert.True(t, profile.ExportEnabled)
}

func TestLoadTenantProfileDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bare", "display_name: Bare\n")

	defaults := &Config{ContaminationThreshold: 0.10, DriftPValueThreshold: 0.10}
	profile, err := LoadTenantProfile(dir, "bare", defaults)
	require.NoError(t, err)

	assert.Equal(t, "bare", profile.TenantID)
	assert.Equal(t, 0.10, profile.ContaminationThreshold)
	assert.Equal(t, 0.10, profile.DriftPValueThreshold)
	assert.Equal(t, 3, profile.RetrievalTopK)
	assert.False(t, profile.ExportEnabled)
}

func TestLoadTenantProfileMissing(t *testing.T) {
	_, err := LoadTenantProfile(t.TempDir(), "ghost", &Config{})
	assert.ErrorContains(t, err, `load tenant profile "ghost"`)
}

func TestLoadAllTenantProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "one", "tenant_id: one\n")
	writeProfile(t, dir, "two", "display_name: Two\n")

	defaults := &Config{ContaminationThreshold: 0.10, DriftPValueThreshold: 0.10}
	profiles, err := LoadAllTenantProfiles(dir, defaults)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "one", profiles["one"].TenantID)
	assert.Equal(t, "two", profiles["two"].TenantID)
}
