package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(nopWriter{})
		SetLevel(LevelInfo)
	})
	return &buf
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn)

	Info("hidden")
	Debug("hidden too")
	Warn("shown", "unit", "unit-red")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown unit=unit-red")
}

func TestErrorAndQuoting(t *testing.T) {
	buf := capture(t, LevelDebug)

	Error("fetch failed", errors.New("dial tcp: refused"), "title", "Airbnb (Not available)", "dangling")

	out := buf.String()
	assert.Contains(t, out, `[ERROR] fetch failed err="dial tcp: refused"`)
	assert.Contains(t, out, `title="Airbnb (Not available)"`)
	assert.NotContains(t, out, "dangling")
}

func TestParseLevel(t *testing.T) {
	l, ok := ParseLevel(" debug ")
	assert.True(t, ok)
	assert.Equal(t, LevelDebug, l)

	l, ok = ParseLevel("warning")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, l)

	l, ok = ParseLevel("loud")
	assert.False(t, ok)
	assert.Equal(t, LevelInfo, l)
}
