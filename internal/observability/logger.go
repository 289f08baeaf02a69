// Package observability owns the process loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
)

// CLILogger is the logger commands write through. It is a no-op until
// InitCLILogger or Init runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger on stderr. verbose lowers the
// level to debug.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(name)
}

// Init installs CLILogger from cfg. With a log file configured, entries are
// also written there as JSON, rotated by size. verbose forces debug.
func Init(name string, cfg config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	enc := consoleEncoder()
	if strings.EqualFold(cfg.Profile, "STRUCTURED") {
		enc = jsonEncoder()
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}

	if f := strings.TrimSpace(cfg.File); f != "" {
		w := &lumberjack.Logger{
			Filename:   f,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(w), level))
	}

	CLILogger = zap.New(zapcore.NewTee(cores...)).Named(name)
	return CLILogger, nil
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Sync flushes CLILogger.
func Sync() {
	_ = CLILogger.Sync()
}

func consoleEncoder() zapcore.Encoder {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	ec.NameKey = ""
	ec.CallerKey = ""
	return zapcore.NewConsoleEncoder(ec)
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}
