// internal/logger/logger.go
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap sugared logger with service context
type Logger struct {
	service string
	sugar   *zap.SugaredLogger
}

// New creates a new logger instance for a service
func New(service string) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		zapcore.InfoLevel,
	)

	sugar := zap.New(core).Sugar().With("service", service)

	return &Logger{
		service: service,
		sugar:   sugar,
	}
}

// NewDebug creates a logger that also emits debug-level messages
func NewDebug(service string) *Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("cannot initialize zap")
	}

	return &Logger{
		service: service,
		sugar:   logger.Sugar().With("service", service),
	}
}

// Info logs an info message
func (l *Logger) Info(message string, keyvals ...interface{}) {
	l.sugar.Infow(message, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(message string, keyvals ...interface{}) {
	l.sugar.Errorw(message, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, keyvals ...interface{}) {
	l.sugar.Warnw(message, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, keyvals ...interface{}) {
	l.sugar.Debugw(message, keyvals...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, keyvals ...interface{}) {
	l.sugar.Fatalw(message, keyvals...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
