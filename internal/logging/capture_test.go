package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureRecordsEntries(t *testing.T) {
	capture := NewCapture()
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&bytes.Buffer{})

	captured := logger.WithCapture(capture)
	captured.Info("first")
	captured.Warn("second")
	captured.Error("third")

	entries := capture.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Message)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, LevelWarn, entries[1].Level)
	assert.Equal(t, LevelError, entries[2].Level)

	// Emission order is preserved.
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
}

func TestCaptureSeesFilteredLevels(t *testing.T) {
	capture := NewCapture()
	logger := NewLogger(LevelError, FormatJSON)
	logger.SetOutput(&bytes.Buffer{})

	// Below the output level, but the capture sink still records it:
	// the job's service-log stream wants everything the analyzer said.
	logger.WithCapture(capture).Info("quiet but captured")

	require.Equal(t, 1, capture.Len())
	assert.Equal(t, "quiet but captured", capture.Entries()[0].Message)
}

func TestCapturePicksUpFunctionField(t *testing.T) {
	capture := NewCapture()
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&bytes.Buffer{})

	logger.WithCapture(capture).WithField("function", "TokenAnalyzer.Analyze").Info("merged")

	entries := capture.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "TokenAnalyzer.Analyze", entries[0].Function)
}

func TestCaptureDoesNotLeakAcrossLoggers(t *testing.T) {
	capture := NewCapture()
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&bytes.Buffer{})

	logger.WithCapture(capture).Info("captured")
	logger.Info("not captured")

	assert.Equal(t, 1, capture.Len())
}

func TestWithFieldsChaining(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo, FormatJSON)
	logger.SetOutput(&buf)

	logger.WithFields(map[string]interface{}{"a": 1}).WithField("b", 2).Info("hello")

	out := buf.String()
	assert.Contains(t, out, `"a":1`)
	assert.Contains(t, out, `"b":2`)
	assert.Contains(t, out, `"message":"hello"`)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("bogus"))
}
