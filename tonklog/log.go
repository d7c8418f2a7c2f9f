// Package tonklog provides the package-level zap logger every tonk
// package logs through, configured the way nodestorage/v2/core wires
// up zap: ISO8601 timestamps, short caller encoding, a swappable
// global instance.
package tonklog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the global logger instance used by every tonk package.
var Logger *zap.Logger

func init() {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var err error
	Logger, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		Logger = zap.NewNop()
	}
}

// Debug logs a debug message through the global logger.
func Debug(msg string, fields ...zap.Field) { Logger.Debug(msg, fields...) }

// Info logs an info message through the global logger.
func Info(msg string, fields ...zap.Field) { Logger.Info(msg, fields...) }

// Warn logs a warning message through the global logger.
func Warn(msg string, fields ...zap.Field) { Logger.Warn(msg, fields...) }

// Error logs an error message through the global logger.
func Error(msg string, fields ...zap.Field) { Logger.Error(msg, fields...) }

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger { return Logger.With(fields...) }

// SetLogger replaces the global logger instance.
func SetLogger(logger *zap.Logger) { Logger = logger }

// ConfigureLogger rebuilds the global logger with the given level and
// output paths, development mode toggling between human-readable
// console output and structured JSON.
func ConfigureLogger(development bool, level string, outputPaths ...string) error {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	if len(outputPaths) > 0 {
		config.OutputPaths = outputPaths
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}
