package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMergesConfigFile(t *testing.T) {
	f := &flags{
		Timeout:    "1s",
		ConfigFile: writeConfig(t, `{"timeout":"30s","keepalive":"15s","nodelay":true,"metrics":"127.0.0.1:9100"}`),
	}
	o, err := f.load()
	require.NoError(t, err)
	require.Equal(t, time.Second, o.timeout)
	require.Equal(t, 15*time.Second, o.keepAlive)
	require.True(t, o.noDelay)
	require.False(t, o.halfOpen)
	require.Equal(t, "127.0.0.1:9100", o.metrics)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := (&flags{Timeout: "soon"}).load()
	require.Error(t, err)

	_, err = (&flags{ConfigFile: writeConfig(t, `{`)}).load()
	require.Error(t, err)

	_, err = (&flags{ConfigFile: filepath.Join(t.TempDir(), "missing.json")}).load()
	require.Error(t, err)
}

func TestParsePort(t *testing.T) {
	port, err := parsePort("8080")
	require.NoError(t, err)
	require.Equal(t, uint16(8080), port)

	_, err = parsePort("70000")
	require.Error(t, err)
}
