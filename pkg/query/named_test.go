package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-data/meridian-engine/pkg/driver/mssql"
	"github.com/meridian-data/meridian-engine/pkg/driver/postgres"
)

func TestExtractParameters(t *testing.T) {
	names := ExtractParameters(
		"SELECT * FROM orders WHERE status = {{status}} AND total > {{min_total}} OR status = {{status}}")
	assert.Equal(t, []string{"status", "min_total"}, names)

	assert.Empty(t, ExtractParameters("SELECT 1"))
}

func TestNamed_SubstitutesPositionalParameters(t *testing.T) {
	sql, args, err := Named(
		"SELECT * FROM orders WHERE status = {{status}} AND total > {{min}}",
		map[string]any{"status": "open", "min": 100},
		postgres.Dialect{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM orders WHERE status = $1 AND total > $2", sql)
	assert.Equal(t, []any{"open", 100}, args)
}

func TestNamed_ReusedParameterBindsOnce(t *testing.T) {
	sql, args, err := Named(
		"SELECT * FROM t WHERE a = {{v}} OR b = {{v}}",
		map[string]any{"v": 7},
		postgres.Dialect{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 OR b = $1", sql)
	assert.Equal(t, []any{7}, args)
}

func TestNamed_SQLServerPlaceholders(t *testing.T) {
	sql, _, err := Named(
		"SELECT * FROM t WHERE a = {{a}} AND b = {{b}}",
		map[string]any{"a": 1, "b": 2},
		mssql.Dialect{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE a = @p1 AND b = @p2", sql)
}

func TestNamed_MissingValue(t *testing.T) {
	_, _, err := Named("SELECT * FROM t WHERE a = {{a}}", nil, postgres.Dialect{})
	assert.ErrorContains(t, err, "no value supplied")
}

func TestNamed_UnusedValue(t *testing.T) {
	_, _, err := Named("SELECT 1", map[string]any{"stray": true}, postgres.Dialect{})
	assert.ErrorContains(t, err, "supplied but not used")
}
