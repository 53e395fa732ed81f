package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/simulation"
)

const chainDoc = `
name: chain
blocks:
  - id: A
    type: price_feed
    parameters:
      symbol: BTC
  - id: B
    type: threshold_filter
  - id: C
    type: signal_generator
connections:
  - {source_block_id: A, source_port: price, target_block_id: B, target_port: value}
  - {source_block_id: B, source_port: value, target_block_id: C, target_port: value}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBlocks(t *testing.T) {
	out, err := execute(t, "blocks")
	require.NoError(t, err)
	assert.Contains(t, out, "price_feed")
	assert.Contains(t, out, "risk_manager")

	out, err = execute(t, "blocks", "--category", "data_source", "--format", "json")
	require.NoError(t, err)
	var defs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	require.NotEmpty(t, defs)
	for _, d := range defs {
		assert.Equal(t, "data_source", d["category"])
	}
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", writeDoc(t, chainDoc))
	require.NoError(t, err)
	assert.Contains(t, out, "valid (")

	// C has no input
	broken := writeDoc(t, `
name: broken
blocks:
  - {id: C, type: signal_generator}
`)
	out, err = execute(t, "validate", broken)
	assert.ErrorIs(t, err, errInvalidCanvas)
	assert.Contains(t, out, "invalid:")

	bad := writeDoc(t, `
name: bad
blocks:
  - {id: A, type: price_feed, parameters: {symbol: "no good"}}
`)
	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "parameter_validation")
	assert.Contains(t, out, "symbol")

	_, err = execute(t, "validate")
	assert.Error(t, err, "file argument is required")
}

func TestSimulate(t *testing.T) {
	path := writeDoc(t, chainDoc)

	out, err := execute(t, "simulate", path,
		"--start", "2024-03-01T00:00:00Z", "--end", "2024-03-02T00:00:00Z", "--format", "json")
	require.NoError(t, err)
	var res simulation.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, simulation.StatusCompleted, res.Status)
	assert.Equal(t, []string{"A", "B", "C"}, res.ExecutionOrder)
	assert.Len(t, res.Results.Signals, 24)

	out, err = execute(t, "simulate", path, "--start", "2024-03-01T00:00:00Z", "--end", "2024-03-01T06:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "A -> B -> C")

	_, err = execute(t, "simulate", path, "--start", "yesterday")
	assert.Error(t, err)
}

func TestSimulate_CSVPrices(t *testing.T) {
	prices := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(prices, []byte(
		"timestamp,symbol,price\n"+
			"2024-03-01T00:00:00Z,BTC,60000\n"+
			"2024-03-01T01:00:00Z,BTC,61000\n"), 0o600))

	out, err := execute(t, "simulate", writeDoc(t, chainDoc), "--prices", prices,
		"--start", "2024-03-01T00:00:00Z", "--end", "2024-03-01T02:00:00Z", "--format", "json")
	require.NoError(t, err)
	var res simulation.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, simulation.StatusCompleted, res.Status)
	assert.Len(t, res.Results.Signals, 2)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}
