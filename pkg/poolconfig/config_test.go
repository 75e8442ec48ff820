package poolconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoFileYieldsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "claude-multiauth.json"), "")
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, StrategySticky, cfg.AccountSelectionStrategy)
	assert.True(t, cfg.CrossProcessClaims)
	assert.Equal(t, int64(60_000), cfg.DefaultRetryAfterMS)
}

func TestUpdateField_PreservesOtherFieldsAndUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude-multiauth.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"quiet_mode": false, "some_future_key": "kept"}`), 0o600))

	loader := NewLoader(path, "")
	require.NoError(t, loader.UpdateField("quiet_mode", true))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.JSONEq(t, `"kept"`, string(m["some_future_key"]))
	assert.JSONEq(t, `true`, string(m["quiet_mode"]))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.True(t, cfg.QuietMode)
	assert.Equal(t, StrategySticky, cfg.AccountSelectionStrategy) // untouched default
}

func TestLoad_YAMLSeedAppliesOnFirstRunOnly(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "anthropic-multiauth.seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte("account_selection_strategy: hybrid\n"), 0o600))

	loader := NewLoader(filepath.Join(dir, "claude-multiauth.json"), seedPath)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, cfg.AccountSelectionStrategy)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "claude-multiauth.json"), []byte(`{}`), 0o600))
	cfg, err = loader.Load()
	require.NoError(t, err)
	assert.Equal(t, StrategySticky, cfg.AccountSelectionStrategy)
}

func TestLoad_MalformedConfigRecoversToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claude-multiauth.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	loader := NewLoader(path, "")
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, StrategySticky, cfg.AccountSelectionStrategy)
}
