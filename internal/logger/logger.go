// Package logger provides the leveled, structured logger used throughout
// the mount daemon. It wraps log/slog with a custom TRACE severity below
// slog's built-in Debug, a custom OFF severity above Error, and a choice of
// "text" or "json" output, matching the shape gcsfuse exposes to its own
// command-line flags.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity name constants, as accepted by Config.Severity.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// slog.Level values for the severities above. TRACE sits below slog's
// built-in LevelDebug (-4) and OFF sits above LevelError (8), so that a
// LevelVar set to LevelOff suppresses every call site below.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// RotateConfig configures lumberjack-based log file rotation.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultRotateConfig matches the rotation defaults used when no explicit
// configuration is supplied.
func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: true}
}

// Config controls where and how logs are written.
type Config struct {
	// FilePath is where logs are written. Empty means stderr.
	FilePath string
	Format   string // "text" or "json"; empty defaults to "json".
	Severity string
	Rotate   RotateConfig
}

type loggerFactory struct {
	file   *lumberjack.Logger
	writer io.Writer // used when no file is configured (e.g. stderr, or a test buffer)
	format string
	level  string
}

func (f *loggerFactory) dest() io.Writer {
	if f.file != nil {
		return f.file
	}
	if f.writer != nil {
		return f.writer
	}
	return os.Stderr
}

func (f *loggerFactory) createHandler(programLevel *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severity"
				a.Value = slog.StringValue(severityName(a.Value.Any().(slog.Level)))
			case slog.MessageKey:
				a.Value = slog.StringValue(prefix + a.Value.String())
			case slog.TimeKey:
				a.Key = "time"
			}
			return a
		},
	}

	if f.format == "text" {
		return slog.NewTextHandler(f.dest(), opts)
	}
	return slog.NewJSONHandler(f.dest(), opts)
}

func severityName(l slog.Level) string {
	switch {
	case l <= LevelTrace:
		return TRACE
	case l < LevelInfo:
		return DEBUG
	case l < LevelWarn:
		return INFO
	case l < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

func levelFor(severity string) slog.Level {
	switch severity {
	case TRACE:
		return LevelTrace
	case DEBUG:
		return LevelDebug
	case INFO:
		return LevelInfo
	case WARNING:
		return LevelWarn
	case ERROR:
		return LevelError
	case OFF:
		return LevelOff
	default:
		return LevelInfo
	}
}

var (
	defaultLoggerFactory = &loggerFactory{format: "json", level: INFO}
	programLevel         = new(slog.LevelVar)
	defaultLogger        = slog.New(defaultLoggerFactory.createHandler(programLevel, ""))
)

func init() {
	programLevel.Set(levelFor(defaultLoggerFactory.level))
}

// Init reconfigures the default logger. Called once at daemon startup after
// flags/config are parsed.
func Init(cfg Config) error {
	factory := &loggerFactory{format: cfg.Format, level: cfg.Severity}
	if factory.format == "" {
		factory.format = "json"
	}

	if cfg.FilePath != "" {
		rotate := cfg.Rotate
		if rotate == (RotateConfig{}) {
			rotate = DefaultRotateConfig()
		}
		factory.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    rotate.MaxFileSizeMB,
			MaxBackups: rotate.BackupFileCount,
			Compress:   rotate.Compress,
		}
	}

	defaultLoggerFactory = factory
	programLevel.Set(levelFor(factory.level))
	defaultLogger = slog.New(factory.createHandler(programLevel, ""))
	return nil
}

// SetFormat switches the output format of the default logger without
// otherwise disturbing its destination or level.
func SetFormat(format string) {
	if format == "" {
		format = "json"
	}
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createHandler(programLevel, ""))
}

func log(ctx context.Context, level slog.Level, format string, v ...any) {
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { log(context.Background(), LevelTrace, format, v...) }
func Debugf(format string, v ...any) { log(context.Background(), LevelDebug, format, v...) }
func Infof(format string, v ...any)  { log(context.Background(), LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { log(context.Background(), LevelWarn, format, v...) }
func Errorf(format string, v ...any) { log(context.Background(), LevelError, format, v...) }
