package engine

import (
	"context"
	"testing"
	"time"

	"objectdb/src/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConnectionManager(t *testing.T, cfg settings.AdapterSettings) *mongoConnectionManager {
	t.Helper()
	m, err := NewMongoConnectionManager(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m.(*mongoConnectionManager)
}

func TestConnectionManagerDatabaseName(t *testing.T) {
	m := newTestConnectionManager(t, settings.AdapterSettings{URI: "mongodb://localhost:27017/objectdb"})
	assert.Equal(t, "objectdb", m.databaseName)

	m = newTestConnectionManager(t, settings.AdapterSettings{URI: "mongodb://localhost:27017"})
	assert.Equal(t, defaultDatabaseName, m.databaseName)
}

func TestConnectionManagerRejectsInvalidURI(t *testing.T) {
	_, err := NewMongoConnectionManager(settings.AdapterSettings{URI: "http://localhost"}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database uri")
}

func TestConnectionManagerClientOptions(t *testing.T) {
	m := newTestConnectionManager(t, settings.AdapterSettings{
		URI: "mongodb://localhost:27017/objectdb",
		DatabaseOptions: settings.DatabaseOptions{DriverOptions: map[string]interface{}{
			"appName":                  "objectdb-test",
			"maxPoolSize":              20,
			"serverSelectionTimeoutMS": 1500,
			"retryWrites":              false,
			"somethingElse":            true,
		}},
	})

	opts := m.clientOptions(1)
	require.NotNil(t, opts.AppName)
	assert.Equal(t, "objectdb-test", *opts.AppName)
	require.NotNil(t, opts.MaxPoolSize)
	assert.Equal(t, uint64(20), *opts.MaxPoolSize)
	require.NotNil(t, opts.ServerSelectionTimeout)
	assert.Equal(t, 1500*time.Millisecond, *opts.ServerSelectionTimeout)
	require.NotNil(t, opts.RetryWrites)
	assert.False(t, *opts.RetryWrites)
	assert.NotNil(t, opts.PoolMonitor)
}

func TestConnectionManagerReusesCachedConnection(t *testing.T) {
	m := newTestConnectionManager(t, settings.AdapterSettings{URI: settings.DefaultURI})
	cached := &Connection{Client: &fakeClient{}, Database: newFakeDatabase()}
	m.conn = cached

	conn, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, cached, conn)
}

func TestConnectionManagerIgnoresStaleGeneration(t *testing.T) {
	m := newTestConnectionManager(t, settings.AdapterSettings{URI: settings.DefaultURI})
	m.conn = &Connection{Client: &fakeClient{}, Database: newFakeDatabase()}
	m.generation = 2

	m.resetGeneration(1)
	assert.NotNil(t, m.conn)

	m.resetGeneration(2)
	assert.Nil(t, m.conn)
}

func TestConnectionManagerShutdown(t *testing.T) {
	m := newTestConnectionManager(t, settings.AdapterSettings{URI: settings.DefaultURI})
	require.NoError(t, m.Shutdown(context.Background()))

	client := &fakeClient{}
	m.conn = &Connection{Client: client, Database: newFakeDatabase()}
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, client.disconnects)
	assert.Nil(t, m.conn)
}
