// Package logging provides the global structured logger for the
// propagator runtime. It wraps go.uber.org/zap the way a small systems
// binary typically does: a package-level SugaredLogger, a no-op default
// so nothing panics before Initialize runs, and a minimal console encoder
// for local development.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global structured logger. Safe to use before
	// Initialize: it defaults to a no-op sink.
	Logger *zap.SugaredLogger

	// JSONOutput reports whether the active logger emits structured JSON.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects structured
// JSON (suitable for log aggregation) over human-readable console output.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = cfg.Build()
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapLogger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(cfg),
			zapcore.AddSync(os.Stdout),
			zap.InfoLevel,
		))
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Cleanup flushes any buffered log entries.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
