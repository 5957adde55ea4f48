package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	log, closeFn, err := New(Config{})
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")

	log, closeFn, err := New(Config{Level: "DEBUG", Output: path})
	require.NoError(t, err)
	log.Debug().Str("component", "test").Msg("hello")
	require.NoError(t, closeFn())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"component":"test"`)
	assert.Contains(t, string(raw), `"message":"hello"`)
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}
