package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("warn", &buf)

	log.Debug("hidden %d", 1)
	log.Info("hidden too")
	log.Warn("visible warning")
	log.Error("visible error")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible warning")
	assert.Contains(t, out, "visible error")
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("nonsense", &buf)

	log.Debug("debug line")
	log.Info("info line")

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.Contains(t, out, "info line")
}

func TestWithField(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("info", &buf)

	log.WithField("id", "abc-123").Info("tagged")
	assert.Contains(t, buf.String(), "abc-123")
}

func TestNopLoggerIsSilentAndChainable(t *testing.T) {
	log := NewNop()
	log.WithField("k", "v").Error("nothing happens")
}
