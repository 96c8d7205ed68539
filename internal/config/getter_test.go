package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvStr(t *testing.T) {
	t.Setenv("TEST_STR", "value")

	assert.Equal(t, "value", GetEnvStr("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetEnvStr("TEST_STR_UNSET", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")

	assert.Equal(t, 42, GetEnvInt("TEST_INT", 7))
	assert.Equal(t, 7, GetEnvInt("TEST_INT_BAD", 7))
	assert.Equal(t, 7, GetEnvInt("TEST_INT_UNSET", 7))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"YES", true},
		{"false", false},
		{"0", false},
		{"No", false},
		{" true ", true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, GetEnvBool("TEST_BOOL", !tt.want))
		})
	}

	t.Setenv("TEST_BOOL_BAD", "maybe")
	assert.True(t, GetEnvBool("TEST_BOOL_BAD", true))
	assert.False(t, GetEnvBool("TEST_BOOL_UNSET", false))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_DUR_BAD", "ninety seconds")

	assert.Equal(t, 90*time.Second, GetEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("TEST_DUR_UNSET", time.Minute))
}

func TestGetEnvLogLevel(t *testing.T) {
	tests := []struct {
		value string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("TEST_LEVEL", tt.value)
			assert.Equal(t, tt.want, GetEnvLogLevel("TEST_LEVEL", slog.LevelInfo))
		})
	}

	t.Setenv("TEST_LEVEL_BAD", "verbose")
	assert.Equal(t, slog.LevelInfo, GetEnvLogLevel("TEST_LEVEL_BAD", slog.LevelInfo))
}

func TestParseCommaSeparatedList(t *testing.T) {
	assert.Empty(t, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{"skd"}, ParseCommaSeparatedList("skd"))
	assert.Equal(t, []string{"skd", "nav", "udi"}, ParseCommaSeparatedList("skd, nav ,udi"))
	assert.Equal(t, []string{"skd"}, ParseCommaSeparatedList("skd,,  ,"))
}
