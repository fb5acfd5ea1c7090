package stackvisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/lifecycle"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stack.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func openStack(t *testing.T, port int) *Stack {
	t.Helper()
	path := writeConfig(t, fmt.Sprintf(`
registry_dir = "run"
log_dir = "logs"
settle = "20ms"
grace = "500ms"
cooldown = "10ms"
evictor = "psutil"

[health]
attempts = 1
interval = "20ms"

[metrics]
textfile = "metrics/stackvisor.prom"

[[services]]
name = "sleeper"
command = "sleep 30"
port = %d
`, port))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.History.DSNs = []string{"sqlite://" + filepath.Join(filepath.Dir(path), "history.db")}
	require.NoError(t, os.MkdirAll(filepath.Join(filepath.Dir(path), "metrics"), 0o750))

	s, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStackStartStatusStop(t *testing.T) {
	requireUnix(t)
	s := openStack(t, freePort(t))
	ctx := context.Background()

	// sleep never listens, so the launch succeeds but health fails
	start := s.StartAll(ctx)
	require.Len(t, start.Outcomes, 1)
	assert.False(t, start.OK())
	o := start.Outcomes[0]
	assert.NotEmpty(t, o.ID)
	require.NotNil(t, o.Health)
	assert.False(t, o.Health.Healthy)
	assert.ErrorIs(t, o.Err, ErrHealthCheckTimeout)

	lines := s.Status(ctx)
	require.Len(t, lines, 1)
	assert.Equal(t, o.ID, lines[0].ID)
	assert.NotEqual(t, lifecycle.StatusStopped, lines[0].Status)

	stop := s.StopAll(ctx)
	assert.True(t, stop.OK(), "%+v", stop)
	assert.Equal(t, lifecycle.StatusStopped, s.Status(ctx)[0].Status)

	events, err := s.History(ctx, "sleeper", 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, history.EventStop, events[0].Type)

	_, err = s.History(ctx, "ghost", 10)
	assert.ErrorIs(t, err, ErrUnknownService)

	require.NoError(t, s.ExportMetrics())
	b, err := os.ReadFile(s.Config().Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "stackvisor_service_launches_total")
}

func TestOpenRejectsBadInput(t *testing.T) {
	_, err := Open(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.RegistryDir = t.TempDir()
	cfg.Evictor = "netstat"
	_, err = Open(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHistoryWithoutReader(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.RegistryDir = t.TempDir()
	cfg.History.DSNs = nil
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	_, err = s.History(context.Background(), "", 5)
	assert.ErrorIs(t, err, ErrNoHistory)
	srv, err := s.NewHTTPServer()
	require.NoError(t, err)
	assert.Equal(t, cfg.Server.Listen, srv.Addr)
	assert.Nil(t, srv.TLSConfig)

	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.Dir = t.TempDir()
	cfg.Server.TLS.AutoGenerate = true
	srv, err = s.NewHTTPServer()
	require.NoError(t, err)
	assert.NotNil(t, srv.TLSConfig)
}
