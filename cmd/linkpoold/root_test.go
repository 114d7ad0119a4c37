package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
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
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "linkpoold version "+version)
}

func TestCheckListsAdapters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node: left
adapters:
  control:
    id: 100
    driver: tcp
    mode: listen
    addr: 127.0.0.1:7000
  data:
    - id: 1
      driver: mux
      mode: listen
      addr: 127.0.0.1:7001
    - id: 2
      driver: mux
      mode: listen
      addr: 127.0.0.1:7001
`), 0o644))

	out, err := run(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "node left")
	assert.Contains(t, out, "control 100: tcp listen 127.0.0.1:7000")
	assert.Contains(t, out, "data 2: mux listen 127.0.0.1:7001")
}

func TestCheckRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linkpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segment:\n  capacity: -1\n"), 0o644))

	_, err := run(t, "check", "--config", path)
	assert.Error(t, err)
}
