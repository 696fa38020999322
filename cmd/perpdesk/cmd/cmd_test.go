package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { cfgFile = "" })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "perpdesk version")
}

func TestConfigValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "exchange:\n  mode: paper\n  paper:\n    prices:\n      BTCUSDT: 100\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	out, err := execute(t, "config", "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "exchange=paper")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("exchange:\n  mode: ftx\n"), 0o644))
	_, err = execute(t, "config", "validate", "-c", bad)
	assert.Error(t, err)
}
