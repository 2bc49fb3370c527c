package logging

import (
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// LeveledLogger adapts a zap.Logger to retryablehttp.LeveledLogger.
type LeveledLogger struct {
	sugar *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = (*LeveledLogger)(nil)

// NewLeveledLogger wraps logger. A nil logger discards everything.
func NewLeveledLogger(logger *zap.Logger) *LeveledLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeveledLogger{sugar: logger.Sugar()}
}

// Error logs at error level.
func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Warn logs at warn level.
func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Info logs retryablehttp's per-request chatter at debug level.
func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Debug logs at debug level.
func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}
