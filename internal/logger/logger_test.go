package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false // Disable colors for easier testing
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("TraceLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("TRACE")

		Trace("trace message")
		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		output := buf.String()
		assert.Contains(t, output, "<T>")
		assert.Contains(t, output, "<D>")
		assert.Contains(t, output, "<I>")
		assert.Contains(t, output, "<W>")
		assert.Contains(t, output, "<E>")
		assert.Contains(t, output, "trace message")
		assert.Contains(t, output, "error message")
	})

	t.Run("InfoLevelFiltersDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")

		Debug("debug message")
		Info("info message")

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.Contains(t, output, "info message")
	})

	t.Run("ErrorLevelFiltersEverythingElse", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")

		Info("info message")
		Warn("warn message")
		Error("error message")

		output := buf.String()
		assert.NotContains(t, output, "info message")
		assert.NotContains(t, output, "warn message")
		assert.Contains(t, output, "error message")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		SetLevel("INFO")
		SetLevel("BOGUS")
		assert.Equal(t, LevelInfo, GetLevel())
	})
}

func TestStructuredFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("text")

	Info("file sent", KeyHost, "alpha", KeySize, 1024)

	output := buf.String()
	assert.Contains(t, output, "file sent")
	assert.Contains(t, output, "host=alpha")
	assert.Contains(t, output, "size=1024")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	defer SetFormat("text")

	Info("connected", KeyHost, "beta")

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, "beta", rec["host"])
}

func TestLevelSigns(t *testing.T) {
	cases := []struct {
		level Level
		sign  byte
	}{
		{LevelTrace, 'T'},
		{LevelDebug, 'D'},
		{LevelInfo, 'I'},
		{LevelWarn, 'W'},
		{LevelError, 'E'},
	}
	for _, tc := range cases {
		if got := tc.level.Sign(); got != tc.sign {
			t.Errorf("Sign(%s) = %c, want %c", tc.level, got, tc.sign)
		}
	}
}
