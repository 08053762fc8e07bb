// Package logging builds the zap loggers used by the wallet and reconciler services.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environments recognised by New.
const (
	Production  = "production"
	Development = "development"
)

// New returns a logger for the given environment. Production loggers encode JSON with ISO8601 timestamps and
// sampling; development loggers write coloured console output. format can force "json" or "console".
func New(env, level, format string) (*zap.Logger, error) {
	var conf zap.Config

	if env == Production {
		conf = zap.NewProductionConfig()
		conf.EncoderConfig.TimeKey = "timestamp"
		conf.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		conf.DisableStacktrace = true
		conf.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100} //nolint:gomnd // zap defaults
	} else {
		conf = zap.NewDevelopmentConfig()
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	conf.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	switch format {
	case "json":
		conf.Encoding = "json"
		conf.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	case "console":
		conf.Encoding = "console"
	}

	// containers collect stdout
	conf.OutputPaths = []string{"stdout"}
	conf.ErrorOutputPaths = []string{"stderr"}

	l, err := conf.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("cannot build logger: %w", err)
	}

	return l, nil
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
