package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func redirectToBuffer(buf *bytes.Buffer, severity string) {
	programLevel = new(slog.LevelVar)
	defaultLoggerFactory = &loggerFactory{format: "text", level: severity, writer: buf}
	programLevel.Set(levelFor(severity))
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(programLevel, ""))
}

func TestSeverityFiltering(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, WARNING)

	Infof("should not appear")
	assert.Empty(t, buf.String())

	Warnf("disk %s", "full")
	assert.Regexp(t, regexp.MustCompile(`severity=WARNING`), buf.String())
	assert.Regexp(t, regexp.MustCompile(`disk full`), buf.String())
}

func TestLevelOffSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, OFF)

	Errorf("should never appear")
	assert.Empty(t, buf.String())
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	redirectToBuffer(&buf, TRACE)
	defaultLoggerFactory.format = "json"
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(programLevel, ""))

	Tracef("hello")
	assert.Regexp(t, regexp.MustCompile(`"severity":"TRACE"`), buf.String())
}

func TestSeverityName(t *testing.T) {
	assert.Equal(t, TRACE, severityName(LevelTrace))
	assert.Equal(t, DEBUG, severityName(LevelDebug))
	assert.Equal(t, INFO, severityName(LevelInfo))
	assert.Equal(t, WARNING, severityName(LevelWarn))
	assert.Equal(t, ERROR, severityName(LevelError))
}
