package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splightplatform/splight-agent/internal/agenterrors"
	"github.com/splightplatform/splight-agent/internal/config"
)

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	original := os.Getenv("HOME")
	os.Setenv("HOME", home)
	t.Cleanup(func() { os.Setenv("HOME", original) })
	return home
}

func TestLoad_MissingComputeNodeID_ReturnsConfigurationError(t *testing.T) {
	withHome(t)
	for _, key := range []string{"COMPUTE_NODE_ID", "SPLIGHT_ACCESS_ID", "SPLIGHT_SECRET_KEY"} {
		os.Unsetenv(key)
	}

	_, err := config.Load(config.Config{})
	require.Error(t, err)

	var confErr *agenterrors.ConfigurationError
	assert.ErrorAs(t, err, &confErr)
}

func TestLoad_ExplicitOverridesYAMLOverridesEnvironment(t *testing.T) {
	home := withHome(t)
	os.Setenv("COMPUTE_NODE_ID", "from-env")
	os.Setenv("SPLIGHT_ACCESS_ID", "env-access")
	os.Setenv("SPLIGHT_SECRET_KEY", "env-secret")
	t.Cleanup(func() {
		os.Unsetenv("COMPUTE_NODE_ID")
		os.Unsetenv("SPLIGHT_ACCESS_ID")
		os.Unsetenv("SPLIGHT_SECRET_KEY")
	})

	require.NoError(t, os.MkdirAll(filepath.Join(home, ".splight"), 0o755))
	yamlContent := "COMPUTE_NODE_ID: from-yaml\nNAMESPACE: yaml-namespace\n"
	require.NoError(t, os.WriteFile(filepath.Join(home, ".splight", "agent_config"), []byte(yamlContent), 0o644))

	cfg, err := config.Load(config.Config{ComputeNodeID: "from-flag"})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.ComputeNodeID, "explicit flag must win over YAML and environment")
	assert.Equal(t, "yaml-namespace", cfg.Namespace, "YAML must win over environment when no flag is set")
	assert.Equal(t, "env-access", cfg.AccessID, "environment must fill in when neither flag nor YAML set a value")
}

func TestLoad_FallsBackToDefaultsWhenNothingElseIsSet(t *testing.T) {
	withHome(t)
	os.Setenv("COMPUTE_NODE_ID", "node-1")
	os.Setenv("SPLIGHT_ACCESS_ID", "a")
	os.Setenv("SPLIGHT_SECRET_KEY", "b")
	t.Cleanup(func() {
		os.Unsetenv("COMPUTE_NODE_ID")
		os.Unsetenv("SPLIGHT_ACCESS_ID")
		os.Unsetenv("SPLIGHT_SECRET_KEY")
	})

	cfg, err := config.Load(config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "https://api.splight-ai.com", cfg.APIHost)
	assert.Equal(t, 10, cfg.PollIntervalSeconds)
}
