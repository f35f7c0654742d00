package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestComponentLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	logger := Component("gateway")
	logger.Info().Str("ip", "10.0.0.1").Msg("admitted")
	logger.Debug().Msg("hidden")

	out := buf.String()
	require.Contains(t, out, `"component":"gateway"`)
	require.Contains(t, out, `"ip":"10.0.0.1"`)
	assert.False(t, strings.Contains(out, "hidden"))
}
