package logging

import (
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct {
	zlog zerolog.Logger
}

var _ retryablehttp.LeveledLogger = (*retryLogger)(nil)

// RetryLogger adapts l for go-retryablehttp. Info and debug chatter from the
// retry client is logged at debug level.
func (l *Logger) RetryLogger() retryablehttp.LeveledLogger {
	return &retryLogger{zlog: l.zlog.With().Str("component", "http-retry").Logger()}
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.zlog.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zlog.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.zlog.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.zlog.Warn().Fields(keysAndValues).Msg(msg)
}
