package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandAnalyzer runs an external tool in the checkout and reads a flat
// JSON object of metric name to number from its stdout.
type CommandAnalyzer struct {
	Command []string
}

// Analyze implements Analyzer.
func (c CommandAnalyzer) Analyze(ctx context.Context, dir string) (map[string]float64, error) {
	if len(c.Command) == 0 {
		return nil, errors.New("no analyzer command configured")
	}
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...) //nolint:gosec // analyzer command is configured by the local user
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%s: %w", c.Command[0], err)
		}
		return nil, fmt.Errorf("%s: %w: %s", c.Command[0], err, msg)
	}

	var metrics map[string]float64
	if err := json.Unmarshal(out, &metrics); err != nil {
		return nil, fmt.Errorf("decoding %s output: %w", c.Command[0], err)
	}
	return metrics, nil
}
