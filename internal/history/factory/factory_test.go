package factory

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/history/opensearch"
	"github.com/loykin/stackvisor/internal/history/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch without host", "opensearch:///idx", true},
		{"OpenSearch DSN", "opensearch://localhost:9200/stack-logs", false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "h.db"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, sink)
			if c, ok := sink.(io.Closer); ok {
				_ = c.Close()
			}
		})
	}
}

func TestFactoryKinds(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	require.NoError(t, err)
	_, isSQLite := s.(*sqlite.Sink)
	assert.True(t, isSQLite)
	_, isReader := s.(history.Reader)
	assert.True(t, isReader)

	s, err = NewSinkFromDSN("opensearch://search:9200/idx")
	require.NoError(t, err)
	_, isOS := s.(*opensearch.Sink)
	assert.True(t, isOS)
}
