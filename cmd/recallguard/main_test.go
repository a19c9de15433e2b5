package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recallguard/internal/logging"
	"github.com/fyrsmithlabs/recallguard/internal/trust"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// testEnv isolates HOME and the data directory and returns the config dir.
func testEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RECALLGUARD_DATA_DIR", filepath.Join(home, "data"))
	t.Setenv("RECALLGUARD_AUDIT_CREDENTIALS", "false")
	dir := filepath.Join(home, ".config", "recallguard")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}

func TestRunServesAndShutsDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	testEnv(t)
	port := freePort(t)
	t.Setenv("RECALLGUARD_SERVER_HTTP_PORT", strconv.Itoa(port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, serveOptions{LogLevel: "warn"})
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func TestLoadSettings(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trust:
  policy: audit_penalty
logging:
  format: console
telemetry:
  service_name: rg-test
`), 0o600))

	s, err := loadSettings(serveOptions{ConfigPath: path, DataDir: "/srv/rg", LogLevel: "trace"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/rg", s.config.DataDir)
	assert.Equal(t, "console", s.logging.Format)
	assert.Equal(t, logging.TraceLevel, s.logging.Level)
	assert.Equal(t, "rg-test", s.telemetry.ServiceName)
	assert.False(t, s.telemetry.Enabled)

	opts, err := engineOptions(s.config, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "/srv/rg", opts.DataDir)
	assert.IsType(t, trust.AuditPenalty{}, opts.DecayPolicy)
	assert.False(t, opts.Audit.Credentials)
	assert.Nil(t, opts.Embedder)

	_, err = loadSettings(serveOptions{ConfigPath: path, LogLevel: "loud"})
	assert.Error(t, err)
}

func TestLoadSettings_InvalidSections(t *testing.T) {
	dir := testEnv(t)
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o600))
	_, err := loadSettings(serveOptions{ConfigPath: path})
	assert.ErrorContains(t, err, "invalid logging config")

	require.NoError(t, os.WriteFile(path, []byte("telemetry:\n  enabled: true\n  protocol: udp\n"), 0o600))
	_, err = loadSettings(serveOptions{ConfigPath: path})
	assert.ErrorContains(t, err, "invalid telemetry config")
}

func TestRunCheck(t *testing.T) {
	dir := testEnv(t)
	patterns := filepath.Join(dir, "patterns.toml")
	require.NoError(t, os.WriteFile(patterns, []byte(`
name = "ops"

[[rules]]
id = "pipe-to-shell"
pattern = 'curl[^|]*\|\s*(ba)?sh'
`), 0o600))
	t.Setenv("RECALLGUARD_AUDIT_PATTERNS_FILE", patterns)

	var out bytes.Buffer
	require.NoError(t, runCheck(&out, serveOptions{}))
	assert.Contains(t, out.String(), "Configuration OK")
	assert.Contains(t, out.String(), "ops (1 rules")
	assert.Contains(t, out.String(), "Trust policy: none")
	assert.Contains(t, out.String(), "Logging:      info, json")

	require.NoError(t, os.WriteFile(patterns, []byte("name = \n"), 0o600))
	assert.Error(t, runCheck(&out, serveOptions{}))
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "trace", levelName(logging.TraceLevel))
	assert.Equal(t, "debug", levelName(-1))
	assert.Equal(t, "info", levelName(0))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "Version:    dev")
}
