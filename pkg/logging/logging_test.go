package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirective(t *testing.T) {
	d, err := ParseDirective("info,engine=debug,trigger=warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, d.Default)
	assert.Equal(t, slog.LevelDebug, d.LevelFor("engine"))
	assert.Equal(t, slog.LevelWarn, d.LevelFor("trigger"))
	assert.Equal(t, slog.LevelInfo, d.LevelFor("submission"))

	d, err = ParseDirective("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, d.Default)

	_, err = ParseDirective("engine=verbose")
	assert.Error(t, err)
}

func TestComponentFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn,engine=debug", false)

	engine := Component(logger, "engine")
	trigger := Component(logger, "trigger")

	engine.Debug("engine debug line")
	trigger.Debug("trigger debug line")
	trigger.Warn("trigger warn line")

	out := buf.String()
	assert.Contains(t, out, "engine debug line")
	assert.NotContains(t, out, "trigger debug line")
	assert.Contains(t, out, "trigger warn line")
}

func TestComponentSurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "error,engine=debug", false)

	engine := Component(logger, "engine").With("worker", 3)
	engine.Debug("still engine scoped")

	assert.True(t, strings.Contains(buf.String(), "still engine scoped"))
}
