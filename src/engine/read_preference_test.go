package engine

import (
	"testing"

	"objectdb/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func TestParseReadPreference(t *testing.T) {
	tests := map[string]readpref.Mode{
		"PRIMARY":             readpref.PrimaryMode,
		"primary_preferred":   readpref.PrimaryPreferredMode,
		"SECONDARY":           readpref.SecondaryMode,
		"Secondary_Preferred": readpref.SecondaryPreferredMode,
		"NEAREST":             readpref.NearestMode,
	}
	for name, mode := range tests {
		rp, err := parseReadPreference(name)
		require.NoError(t, err, name)
		assert.Equal(t, mode, rp.Mode(), name)
	}

	rp, err := parseReadPreference("")
	require.NoError(t, err)
	assert.Nil(t, rp)

	_, err = parseReadPreference("FASTEST")
	require.Error(t, err)
	assert.True(t, models.IsErrorCode(err, models.InvalidQuery))
	assert.Contains(t, err.Error(), "Not supported read preference.")
}

func TestParseExplain(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{false, ""},
		{true, "allPlansExecution"},
		{"queryPlanner", "queryPlanner"},
		{"executionStats", "executionStats"},
	}
	for _, tt := range tests {
		got, err := parseExplain(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []interface{}{"verbose", 1} {
		_, err := parseExplain(bad)
		require.Error(t, err)
		assert.True(t, models.IsErrorCode(err, models.InvalidQuery))
	}
}
