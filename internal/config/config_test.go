package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "standard", cfg.Audit.DefaultProfile)
	assert.Equal(t, 4, cfg.Audit.MaxConcurrent)
	assert.Equal(t, ":8546", cfg.Server.RESTAddr)
	assert.Equal(t, 30*time.Second, cfg.AvailabilityTTL())
	require.NoError(t, cfg.Validate())
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miesc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
audit:
  default_profile: quick
  max_concurrent: 2
  cross_layer_mode: pipelined
tools:
  disable: [mythril-eq]
  per_tool_deadlines:
    echidna-eq: 90s
server:
  rest_addr: ":9000"
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "quick", cfg.Audit.DefaultProfile)
	assert.Equal(t, 2, cfg.Audit.MaxConcurrent)
	assert.Equal(t, "pipelined", cfg.Audit.CrossLayerMode)
	assert.Equal(t, []string{"mythril-eq"}, cfg.Tools.Disable)
	assert.Equal(t, ":9000", cfg.Server.RESTAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, map[string]time.Duration{"echidna-eq": 90 * time.Second},
		cfg.PerToolDeadlines())

	// Untouched sections keep their defaults.
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
	assert.Equal(t, ":8547", cfg.Server.RPCAddr)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miesc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  default_profile: quick\n"), 0o644))

	t.Setenv("MIESC_PROFILE", "full")
	t.Setenv("MIESC_LLM_API_KEY", "sk-test")
	t.Setenv("MIESC_DISABLE_TOOLS", "halmos-eq, certora-lite")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Audit.DefaultProfile)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, []string{"halmos-eq", "certora-lite"}, cfg.Tools.Disable)
}

func TestGeminiKeyFallback(t *testing.T) {
	t.Setenv("MIESC_LLM_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gm-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gm-key", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.DefaultProfile = "turbo"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Audit.CrossLayerMode = "parallel"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Level = "verbose"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tools.PerToolDeadlines = map[string]string{"slither-eq": "ninety"}
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Metrics.Estimates.Precision = 1.2
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Correlation.SingleToolMaxConfidence = 1.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Bus.SubscriberBuffer = -1
	require.Error(t, cfg.Validate())
}

func TestCorrelationAndBusSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miesc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  enable: [slither-eq, aderyn-eq]
correlation:
  fp_priors_path: /etc/miesc/priors.json
  cross_validation_required: [tx-origin]
  single_tool_max_confidence: 0.5
bus:
  subscriber_buffer: 512
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"slither-eq", "aderyn-eq"}, cfg.Tools.Enable)
	assert.Equal(t, "/etc/miesc/priors.json", cfg.Correlation.FPPriorsPath)
	assert.Equal(t, []string{"tx-origin"}, cfg.Correlation.CrossValidationRequired)
	assert.Equal(t, 0.5, cfg.Correlation.SingleToolMaxConfidence)
	assert.Equal(t, 512, cfg.Bus.SubscriberBuffer)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "miesc.yaml")

	want := DefaultConfig()
	want.Audit.DefaultProfile = "full"
	want.Archive.DatabasePath = "/tmp/miesc-test.db"
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "full", got.Audit.DefaultProfile)
	assert.Equal(t, "/tmp/miesc-test.db", got.Archive.DatabasePath)
}

func TestMalformedYAMLIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miesc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit: [not a map"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
