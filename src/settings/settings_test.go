package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "objectdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAdapterSettings(t *testing.T) {
	path := writeConfig(t, `
uri: mongodb://db.internal:27017/app
collectionPrefix: tenant1_
databaseOptions:
  maxOperationTimeMs: 500
  enableSchemaChangeHooks: true
  appName: objectdb-test
  maxPoolSize: 20
`)

	cfg, err := LoadAdapterSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db.internal:27017/app", cfg.URI)
	assert.Equal(t, "tenant1_", cfg.CollectionPrefix)
	assert.Equal(t, int64(500), cfg.DatabaseOptions.MaxOperationTimeMS)
	assert.True(t, cfg.DatabaseOptions.EnableSchemaChangeHooks)
	assert.Equal(t, "objectdb-test", cfg.DatabaseOptions.DriverOptions["appName"])
	assert.Equal(t, 20, cfg.DatabaseOptions.DriverOptions["maxPoolSize"])
	assert.NotContains(t, cfg.DatabaseOptions.DriverOptions, "maxOperationTimeMs")
}

func TestLoadAdapterSettingsDefaults(t *testing.T) {
	path := writeConfig(t, "collectionPrefix: p_\n")

	cfg, err := LoadAdapterSettings(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultURI, cfg.URI)
	assert.False(t, cfg.DatabaseOptions.EnableSchemaChangeHooks)
}

func TestLoadAdapterSettingsErrors(t *testing.T) {
	_, err := LoadAdapterSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "databaseOptions:\n  maxOperationTimeMs: -1\n")
	_, err = LoadAdapterSettings(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "maxOperationTimeMs")

	path = writeConfig(t, "uri: [broken\n")
	_, err = LoadAdapterSettings(path)
	assert.Error(t, err)
}

func TestGetSettingsIsShared(t *testing.T) {
	a := GetSettings()
	b := GetSettings()
	assert.Same(t, a, b)
	assert.NotEmpty(t, a.Adapter.URI)
}
