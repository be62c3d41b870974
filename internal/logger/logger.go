// Package logger builds the structured logger shared by the daemon's components.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap SugaredLogger
type Logger struct {
	*zap.SugaredLogger
}

// BuildLogger returns a development logger when debug is set and a JSON
// production logger otherwise.
func BuildLogger(debug bool) (*Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Encoding = "json"
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	return &Logger{logger.Sugar()}, nil
}

// New builds a logger, falling back to a no-op logger if zap cannot be configured.
func New(debug bool) *Logger {
	l, err := BuildLogger(debug)
	if err != nil {
		return Nop()
	}
	return l
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

// Named returns a child logger scoped to a component
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.SugaredLogger.Named(name)}
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(args...)}
}
