package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkSendAndList(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	ctx := context.Background()

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []history.Event{
		{Type: history.EventLaunch, OccurredAt: base, Service: "api", Kind: service.KindNative, ID: "100", State: service.StateRunning},
		{Type: history.EventEvict, OccurredAt: base.Add(time.Second), Service: "frontend", Detail: "pids=[4242]"},
		{Type: history.EventStop, OccurredAt: base.Add(2 * time.Second), Service: "api", ID: "100"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	all, err := sink.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, history.EventStop, all[0].Type, "newest first")
	assert.Equal(t, "pids=[4242]", all[1].Detail)

	api, err := sink.List(ctx, "api", 10)
	require.NoError(t, err)
	require.Len(t, api, 2)
	assert.Equal(t, service.KindNative, api[1].Kind)
	assert.Equal(t, service.StateRunning, api[1].State)
	assert.True(t, base.Equal(api[1].OccurredAt), "got %v", api[1].OccurredAt)

	one, err := sink.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSinkConcurrentSend(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventHealth, OccurredAt: time.Now(), Service: "mcp-time"}))
		}()
	}
	wg.Wait()
	got, err := sink.List(context.Background(), "mcp-time", 100)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
