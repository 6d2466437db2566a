// Package logging provides the process-wide structured logger used by the
// webhook server, the poll loop, and the git worktree wrapper. It wraps zap and
// accepts call sites written either Printf-style (a format string plus
// interpolation args) or field-style (a message plus zap.Field values),
// since both shapes are used throughout this codebase.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	defaultLogger *zap.Logger
	loggerMu      sync.RWMutex
)

func init() {
	defaultLogger = newLogger("info", false)
}

// Config controls the global logger's verbosity and output encoding.
type Config struct {
	Level      string // debug, info, warn, error
	Production bool   // true => JSON encoding; false => human-readable console encoding
}

// Init (re)configures the global logger. Safe to call more than once; the
// most recent call wins.
func Init(cfg Config) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	defaultLogger = newLogger(cfg.Level, cfg.Production)
}

func newLogger(level string, production bool) *zap.Logger {
	zapLevel := parseLevel(level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if production {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)
	return zap.New(core, zap.AddCallerSkip(1))
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger returns the current global zap logger, for call sites that want
// the raw zap API.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

// splitArgs separates zap.Field values (field-style calls) from plain
// interpolation args (Printf-style calls). The two styles are never mixed
// within a single call in this codebase.
func splitArgs(args []interface{}) ([]zap.Field, []interface{}) {
	fields := make([]zap.Field, 0, len(args))
	for _, a := range args {
		if f, ok := a.(zap.Field); ok {
			fields = append(fields, f)
			continue
		}
		return nil, args
	}
	return fields, nil
}

func log(level zapcore.Level, msg string, args ...interface{}) {
	fields, plain := splitArgs(args)
	logger := Logger()
	if plain != nil {
		msg = fmt.Sprintf(msg, plain...)
	}
	switch level {
	case zapcore.DebugLevel:
		logger.Debug(msg, fields...)
	case zapcore.WarnLevel:
		logger.Warn(msg, fields...)
	case zapcore.ErrorLevel:
		logger.Error(msg, fields...)
	case zapcore.FatalLevel:
		logger.Fatal(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}

// Debug logs at debug level. args may be zap.Field values or Printf-style
// interpolation arguments.
func Debug(msg string, args ...interface{}) { log(zapcore.DebugLevel, msg, args...) }

// Info logs at info level. args may be zap.Field values or Printf-style
// interpolation arguments.
func Info(msg string, args ...interface{}) { log(zapcore.InfoLevel, msg, args...) }

// Warn logs at warn level. args may be zap.Field values or Printf-style
// interpolation arguments.
func Warn(msg string, args ...interface{}) { log(zapcore.WarnLevel, msg, args...) }

// Error logs at error level. args may be zap.Field values or Printf-style
// interpolation arguments.
func Error(msg string, args ...interface{}) { log(zapcore.ErrorLevel, msg, args...) }

// Fatal logs at fatal level and then calls os.Exit(1) via the underlying
// zap core.
func Fatal(msg string, args ...interface{}) { log(zapcore.FatalLevel, msg, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return Logger().Sync()
}
