package health

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandAnalyzer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	dir := t.TempDir()

	got, err := CommandAnalyzer{Command: []string{"sh", "-c", `echo '{"complexity": 4.5, "files": 12}'`}}.Analyze(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"complexity": 4.5, "files": 12}, got)

	_, err = CommandAnalyzer{Command: []string{"sh", "-c", "echo not json"}}.Analyze(ctx, dir)
	assert.ErrorContains(t, err, "decoding")

	_, err = CommandAnalyzer{Command: []string{"sh", "-c", "echo boom >&2; exit 3"}}.Analyze(ctx, dir)
	assert.ErrorContains(t, err, "boom")

	_, err = CommandAnalyzer{}.Analyze(ctx, dir)
	assert.Error(t, err)
}
