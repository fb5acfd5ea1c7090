package service

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorKind(t *testing.T) {
	assert.Equal(t, KindNative, Descriptor{Command: "sleep 1"}.Kind())
	assert.Equal(t, KindContainer, Descriptor{Image: "mcp/time"}.Kind())
}

func TestDescriptorValidate(t *testing.T) {
	ok := Descriptor{Name: "api", Command: "uvicorn chatbot:app", Port: 8000}
	require.NoError(t, ok.Validate())

	cases := map[string]Descriptor{
		"empty name":    {Command: "x", Port: 1},
		"bad name":      {Name: "a/b", Command: "x", Port: 1},
		"both":          {Name: "a", Command: "x", Image: "y", Port: 1},
		"neither":       {Name: "a", Port: 1},
		"port low":      {Name: "a", Command: "x", Port: 0},
		"port high":     {Name: "a", Command: "x", Port: 70000},
		"relative path": {Name: "a", Command: "x", Port: 1, HealthPath: "health"},
		"bad env":       {Name: "a", Command: "x", Port: 1, Env: []string{"NOVALUE"}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestWithDefaultsLogFile(t *testing.T) {
	d := Descriptor{Name: "frontend"}.WithDefaults("/tmp/logs")
	assert.Equal(t, filepath.Join("/tmp/logs", "frontend.log"), d.LogFile)

	d = Descriptor{Name: "frontend", LogFile: "/x.log"}.WithDefaults("/tmp/logs")
	assert.Equal(t, "/x.log", d.LogFile)
}
