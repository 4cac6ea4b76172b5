package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetrics(t *testing.T) {
	got, err := parseMetrics([]string{"complexity=12.5", "files=40"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"complexity": 12.5, "files": 40}, got)

	for _, bad := range []string{"complexity", "=3", "loc=many"} {
		_, err := parseMetrics([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestFilterDetachArg(t *testing.T) {
	got := filterDetachArg([]string{"daemon", "--detach", "--interval", "1m", "--detach=true"})
	assert.Equal(t, []string{"daemon", "--interval", "1m"}, got)
}

func TestShortModel(t *testing.T) {
	assert.Equal(t, "opus-4-6", shortModel("claude-opus-4-6"))
	assert.Equal(t, "gpt-5", shortModel("gpt-5"))
}
