package registry

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stackvisor/internal/host"
	"github.com/loykin/stackvisor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require unix process semantics")
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "pids"), host.Set{Native: host.NewNative()})
	require.NoError(t, err)
	return r
}

func TestRecordLookupRoundTrip(t *testing.T) {
	r := newRegistry(t)
	launched := time.UnixMilli(1_700_000_000_123)
	rec := service.Record{Name: "api", Kind: service.KindNative, ID: "4242", StartUnix: 1699999999, LaunchedAt: launched, State: service.StateStarting}
	require.NoError(t, r.Record(rec))

	got, ok, err := r.Lookup("api")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.StartUnix, got.StartUnix)
	assert.True(t, launched.Equal(got.LaunchedAt))
	assert.Equal(t, service.StateStarting, got.State)

	b, err := os.ReadFile(r.Path("api"))
	require.NoError(t, err)
	line, _, _ := cutLine(string(b))
	assert.Equal(t, "4242", line, "first line must be the bare identifier")

	require.NoError(t, r.SetState("api", "4242", service.StateHealthy))
	got, _, err = r.Lookup("api")
	require.NoError(t, err)
	assert.Equal(t, service.StateHealthy, got.State)
}

func cutLine(s string) (string, string, bool) {
	for i := range s {
		if s[i] == '\n' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func TestLookupMissingIsAbsent(t *testing.T) {
	r := newRegistry(t)
	_, ok, err := r.Lookup("nothing")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, r.SetState("nothing", "", service.StateHealthy))
	_, ok, _ = r.Lookup("nothing")
	assert.False(t, ok, "SetState must not create records")
}

func TestSetStateIgnoresReplacedInstance(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Record(service.Record{Name: "api", Kind: service.KindNative, ID: "20", State: service.StateStarting}))

	// a health result for the previous instance must not touch the new one
	require.NoError(t, r.SetState("api", "10", service.StateDegraded))
	got, ok, err := r.Lookup("api")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20", got.ID)
	assert.Equal(t, service.StateStarting, got.State)
}

func TestSetStateWaitsForNameLock(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Record(service.Record{Name: "api", Kind: service.KindNative, ID: "10", State: service.StateRunning}))

	unlock, err := r.Lock("api")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.SetState("api", "", service.StateHealthy) }()

	select {
	case err := <-done:
		t.Fatalf("SetState ran while the name was locked: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	// a concurrent stop removes the record before the update lands
	require.NoError(t, r.Remove("api"))
	unlock()
	require.NoError(t, <-done)

	_, ok, err := r.Lookup("api")
	require.NoError(t, err)
	assert.False(t, ok, "SetState must not resurrect a removed record")
}

func TestSetStateRacingRelaunch(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Record(service.Record{Name: "api", Kind: service.KindNative, ID: "1", State: service.StateRunning}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 2; i <= 50; i++ {
			unlock, err := r.Lock("api")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, r.Record(service.Record{Name: "api", Kind: service.KindNative, ID: strconv.Itoa(i), State: service.StateStarting}))
			unlock()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, r.SetState("api", "1", service.StateHealthy))
		}
	}()
	wg.Wait()

	got, ok, err := r.Lookup("api")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "50", got.ID, "the newest instance stays recorded")
	assert.Equal(t, service.StateStarting, got.State)
}

func TestLookupBarePIDFile(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, os.WriteFile(r.Path("vnc"), []byte("1234\n"), 0o600))
	got, ok, err := r.Lookup("vnc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1234", got.ID)
	assert.Equal(t, service.KindNative, got.Kind)
}

func TestCorruptFilesSelfHeal(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":  "not-a-pid\n",
		"empty":    "",
		"badjson":  "123\n{oops",
		"negative": "-5\n",
	} {
		t.Run(name, func(t *testing.T) {
			r := newRegistry(t)
			require.NoError(t, os.WriteFile(r.Path("svc"), []byte(content), 0o600))
			_, ok, err := r.Lookup("svc")
			assert.False(t, ok)
			assert.ErrorIs(t, err, service.ErrRegistryCorruption)
			_, statErr := os.Stat(r.Path("svc"))
			assert.True(t, os.IsNotExist(statErr), "corrupt file must be removed")
		})
	}
}

func TestContainerRecordKeepsID(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Record(service.Record{Name: "time", Kind: service.KindContainer, ID: "abc123", State: service.StateRunning}))
	got, ok, err := r.Lookup("time")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, service.KindContainer, got.Kind)
	assert.Equal(t, "abc123", got.ID)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Record(service.Record{Name: "api", ID: "1", Kind: service.KindNative}))
	require.NoError(t, r.Remove("api"))
	require.NoError(t, r.Remove("api"))
	_, ok, _ := r.Lookup("api")
	assert.False(t, ok)
}

func TestListSkipsCorruptAndTemp(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Record(service.Record{Name: "frontend", ID: "20", Kind: service.KindNative}))
	require.NoError(t, r.Record(service.Record{Name: "api", ID: "10", Kind: service.KindNative}))
	require.NoError(t, os.WriteFile(r.Path("broken"), []byte("zzz"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(r.Path("api")), ".api.pid.123"), []byte("1"), 0o600))

	recs, err := r.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "api", recs[0].Name)
	assert.Equal(t, "frontend", recs[1].Name)
}

func TestRecordRejectsBadInput(t *testing.T) {
	r := newRegistry(t)
	assert.ErrorIs(t, r.Record(service.Record{Name: "../x", ID: "1"}), service.ErrInvalidConfig)
	assert.Error(t, r.Record(service.Record{Name: "x", ID: " "}))
}

func TestIsAlive(t *testing.T) {
	requireUnix(t)
	r := newRegistry(t)
	self := service.Record{Name: "self", Kind: service.KindNative, ID: strconv.Itoa(os.Getpid())}
	assert.True(t, r.IsAlive(context.Background(), self))

	dead := service.Record{Name: "dead", Kind: service.KindNative, ID: "999999999"}
	assert.False(t, r.IsAlive(context.Background(), dead))

	// no container host configured: treated as dead
	ctr := service.Record{Name: "ctr", Kind: service.KindContainer, ID: "abc"}
	assert.False(t, r.IsAlive(context.Background(), ctr))
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	r := newRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			unlock, err := r.Lock("api")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			assert.NoError(t, r.Record(service.Record{Name: "api", Kind: service.KindNative, ID: strconv.Itoa(100 + i)}))
		}(i)
		go func() {
			defer wg.Done()
			if _, _, err := r.Lookup("api"); err != nil {
				t.Errorf("reader saw a partial file: %v", err)
			}
		}()
	}
	wg.Wait()
	_, ok, err := r.Lookup("api")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockIsPerName(t *testing.T) {
	r := newRegistry(t)
	unlockA, err := r.Lock("a")
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := r.Lock("b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on b blocked behind a")
	}

	unlockA()
	unlockA() // release is idempotent
}
