package host

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func TestBuildCommand(t *testing.T) {
	requireUnix(t)
	c := BuildCommand("")
	assert.Contains(t, c.String(), "/bin/true")

	c = BuildCommand("python3 -m http.server 5173")
	assert.Equal(t, []string{"python3", "-m", "http.server", "5173"}, c.Args)

	c = BuildCommand("echo hi | cat")
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi | cat"}, c.Args)

	c = BuildCommand("sh -c 'echo out; echo err 1>&2'")
	assert.Equal(t, []string{"/bin/sh", "-c", "echo out; echo err 1>&2"}, c.Args)
}

func TestSetFor(t *testing.T) {
	n := NewNative()
	s := Set{Native: n}
	h, err := s.For(service.KindNative)
	require.NoError(t, err)
	assert.Same(t, n, h)

	_, err = s.For(service.KindContainer)
	assert.ErrorIs(t, err, service.ErrSpawnFailure)
}

func TestNativeSpawnRedirectsBothStreams(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "svc.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)

	n := NewNative()
	d := service.Descriptor{Name: "echo", Command: "sh -c 'echo out; echo err 1>&2; echo $GREETING'"}
	h, err := n.Spawn(context.Background(), d, append(os.Environ(), "GREETING=hello"), f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pid, err := ParsePID(h.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !PIDAlive(pid, 0) }, 3*time.Second, 20*time.Millisecond)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "err")
	assert.Contains(t, out, "hello")
}

func TestNativeSpawnMissingExecutable(t *testing.T) {
	requireUnix(t)
	_, err := NewNative().Spawn(context.Background(), service.Descriptor{Name: "nope", Command: "__definitely_not_exists__"}, nil, nil)
	assert.ErrorIs(t, err, service.ErrSpawnFailure)
}

func TestNativeAliveDetectsPIDReuse(t *testing.T) {
	requireUnix(t)
	n := NewNative()
	h, err := n.Spawn(context.Background(), service.Descriptor{Name: "sleep", Command: "sleep 5"}, nil, nil)
	require.NoError(t, err)
	defer func() { _ = n.Signal(context.Background(), h.ID, true) }()

	assert.True(t, n.Alive(context.Background(), h.ID, h.StartUnix))
	if h.StartUnix > 0 {
		assert.False(t, n.Alive(context.Background(), h.ID, h.StartUnix+12345))
	}
	assert.False(t, n.Alive(context.Background(), "garbage", 0))
}

func TestTerminateGraceful(t *testing.T) {
	requireUnix(t)
	n := NewNative()
	h, err := n.Spawn(context.Background(), service.Descriptor{Name: "sleep", Command: "sleep 30"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, Terminate(context.Background(), n, h.ID, h.StartUnix, 2*time.Second, clock.Real()))
	assert.False(t, n.Alive(context.Background(), h.ID, h.StartUnix))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	requireUnix(t)
	n := NewNative()
	d := service.Descriptor{Name: "stubborn", Command: "sh -c 'trap \"\" TERM; while true; do sleep 0.1; done'"}
	h, err := n.Spawn(context.Background(), d, nil, nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the trap install

	begin := time.Now()
	require.NoError(t, Terminate(context.Background(), n, h.ID, h.StartUnix, 300*time.Millisecond, clock.Real()))
	assert.False(t, n.Alive(context.Background(), h.ID, h.StartUnix))
	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
}

// fakeHost dies after receiving killAfter signals.
type fakeHost struct {
	mu        sync.Mutex
	alive     bool
	signals   []bool
	killAfter int
}

func (f *fakeHost) Kind() service.Kind { return service.KindNative }
func (f *fakeHost) Spawn(context.Context, service.Descriptor, []string, *os.File) (Handle, error) {
	return Handle{}, errors.New("not supported")
}
func (f *fakeHost) Signal(_ context.Context, _ string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, force)
	if len(f.signals) >= f.killAfter {
		f.alive = false
	}
	return nil
}
func (f *fakeHost) Alive(context.Context, string, int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func TestTerminateSequenceWithFakeClock(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))

	graceful := &fakeHost{alive: true, killAfter: 1}
	require.NoError(t, Terminate(context.Background(), graceful, "1", 0, 2*time.Second, clk))
	assert.Equal(t, []bool{false}, graceful.signals)

	stubborn := &fakeHost{alive: true, killAfter: 2}
	require.NoError(t, Terminate(context.Background(), stubborn, "1", 0, 2*time.Second, clk))
	assert.Equal(t, []bool{false, true}, stubborn.signals)

	dead := &fakeHost{alive: false}
	require.NoError(t, Terminate(context.Background(), dead, "1", 0, 2*time.Second, clk))
	assert.Empty(t, dead.signals)

	immortal := &fakeHost{alive: true, killAfter: 100}
	assert.Error(t, Terminate(context.Background(), immortal, "1", 0, time.Second, clk))
}

// scriptExecutor answers docker invocations with canned shell scripts.
type scriptExecutor struct {
	mu    sync.Mutex
	calls [][]string
	reply func(args []string) string
}

func (s *scriptExecutor) CommandContext(ctx context.Context, _ string, args ...string) *exec.Cmd {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()
	return exec.CommandContext(ctx, "/bin/sh", "-c", s.reply(args))
}

func TestContainerRunArgs(t *testing.T) {
	c := NewContainer("", "", 0)
	d := service.Descriptor{Name: "time", Image: "mcp/time:latest", Port: 8001, Env: []string{"TZ=UTC"}, Args: []string{"--port", "8001"}}
	assert.Equal(t, []string{
		"run", "-d", "--rm", "--name", "stackvisor-time", "-p", "8001:8001",
		"-e", "TZ=UTC", "mcp/time:latest", "--port", "8001",
	}, c.RunArgs(d))
}

func TestContainerLifecycleWithFakeRuntime(t *testing.T) {
	requireUnix(t)
	running := true
	exe := &scriptExecutor{reply: func(args []string) string {
		switch args[0] {
		case "run":
			return "echo pulling >&2; echo abc123"
		case "inspect":
			return "echo " + strconv.FormatBool(running)
		case "stop", "kill", "rm":
			return "true"
		}
		return "exit 1"
	}}
	c := NewContainer("/bin/true", "sv-", 2*time.Second)
	c.Executor = exe

	h, err := c.Spawn(context.Background(), service.Descriptor{Name: "time", Image: "mcp/time", Port: 8001}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", h.ID)
	assert.True(t, c.Alive(context.Background(), h.ID, 0))

	require.NoError(t, c.Signal(context.Background(), h.ID, false))
	running = false
	assert.False(t, c.Alive(context.Background(), h.ID, 0))

	var verbs []string
	for _, call := range exe.calls {
		verbs = append(verbs, call[0])
	}
	assert.Equal(t, "rm run inspect stop inspect", strings.Join(verbs, " "))
	assert.Equal(t, []string{"stop", "-t", "2", "abc123"}, exe.calls[3])
}

func TestContainerSpawnFailure(t *testing.T) {
	requireUnix(t)
	c := NewContainer("docker", "", 0)
	c.Executor = &scriptExecutor{reply: func(args []string) string {
		if args[0] == "run" {
			return "echo 'Unable to find image' >&2; exit 125"
		}
		return "true"
	}}
	_, err := c.Spawn(context.Background(), service.Descriptor{Name: "x", Image: "missing/image", Port: 9}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrSpawnFailure)
	assert.Contains(t, err.Error(), "Unable to find image")
}

type staticResolver []int

func (s staticResolver) ListenerPIDs(context.Context, int) ([]int, error) { return s, nil }
func (staticResolver) Name() string                                      { return "static" }

func TestPortEvictorSkipsSelf(t *testing.T) {
	requireUnix(t)
	n := NewNative()
	h, err := n.Spawn(context.Background(), service.Descriptor{Name: "squatter", Command: "sleep 30"}, nil, nil)
	require.NoError(t, err)
	pid, err := ParsePID(h.ID)
	require.NoError(t, err)

	e := &PortEvictor{
		Resolver: staticResolver{os.Getpid(), pid},
		Host:     n,
		Grace:    time.Second,
		Clock:    clock.Real(),
	}
	evicted, err := e.EvictPort(context.Background(), 5173)
	require.NoError(t, err)
	assert.Equal(t, []int{pid}, evicted)
	assert.False(t, PIDAlive(pid, 0))
}
