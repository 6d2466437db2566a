package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// JobLogger adapts a *zap.Logger to the merge job's injected Logger
// capability (spec §9: passed into the job constructor, not read off a
// package-level singleton, so tests can assert on specific log lines).
type JobLogger struct {
	z *zap.Logger
}

// NewJobLogger wraps z, or the global logger when z is nil.
func NewJobLogger(z *zap.Logger) *JobLogger {
	if z == nil {
		z = Logger()
	}
	return &JobLogger{z: z}
}

// With returns a JobLogger with the given zap fields attached, e.g. for
// stamping every line with a run id.
func (l *JobLogger) With(fields ...zap.Field) *JobLogger {
	return &JobLogger{z: l.z.With(fields...)}
}

func (l *JobLogger) format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Debug logs at debug level, Printf-formatting msg against args.
func (l *JobLogger) Debug(msg string, args ...interface{}) { l.z.Debug(l.format(msg, args)) }

// Info logs at info level, Printf-formatting msg against args.
func (l *JobLogger) Info(msg string, args ...interface{}) { l.z.Info(l.format(msg, args)) }

// Warn logs at warn level, Printf-formatting msg against args.
func (l *JobLogger) Warn(msg string, args ...interface{}) { l.z.Warn(l.format(msg, args)) }

// Error logs at error level, Printf-formatting msg against args.
func (l *JobLogger) Error(msg string, args ...interface{}) { l.z.Error(l.format(msg, args)) }
