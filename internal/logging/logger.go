// Package logging builds the structured logger used across the gateway.
// There is no package-level logger: every component that logs takes a
// *zap.Logger in its constructor. This keeps tests able to inject a
// zaptest or observer core without touching global state.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds parameters for constructing a logger.
type Config struct {
	Level      string // "debug", "info", "warn", "error"
	Output     string // "stdout", "stderr", or a file path
	MaxSize    int    // megabytes before rotation
	MaxBackups int    // rotated files to keep
	MaxAge     int    // days to retain rotated files
	Compress   bool
	LocalTime  bool
}

// New builds a *zap.Logger from cfg. When Output is a file path the
// returned io.Closer must be closed on shutdown to flush and release the
// file; for stdout/stderr the closer is nil.
func New(cfg Config) (*zap.Logger, io.Closer, error) {
	var lvl zapcore.Level
	switch cfg.Level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var ws zapcore.WriteSyncer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		ws = zapcore.AddSync(os.Stdout)
	case "stderr":
		ws = zapcore.AddSync(os.Stderr)
	default:
		lj := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		}
		ws = zapcore.AddSync(lj)
		closer = lj
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	logger := zap.New(core, zap.AddCaller())

	return logger, closer, nil
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output but need a non-nil *zap.Logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
