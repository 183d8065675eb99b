package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global *zap.Logger

// Options configure the process-wide logger.
type Options struct {
	// Service is stamped on every entry. Defaults to "control-api".
	Service string
	// Env is stamped on every entry when set.
	Env string
	// Level: debug, info, warn, error, dpanic, panic, fatal.
	Level string
	// Format: json, console.
	Format string
	// Output defaults to stdout. Tests inject a buffer here.
	Output zapcore.WriteSyncer
}

// Init initializes the global Zap logger.
func Init(opts Options) (*zap.Logger, error) {
	if opts.Service == "" {
		opts.Service = "control-api"
	}
	if opts.Output == nil {
		opts.Output = zapcore.AddSync(os.Stdout)
	}

	lvl := zap.InfoLevel
	if err := lvl.Set(strings.ToLower(opts.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.MessageKey = "message"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"
	encoderCfg.StacktraceKey = "stacktrace"
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "json":
		enc = zapcore.NewJSONEncoder(encoderCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	fields := []zap.Field{zap.String("service", opts.Service)}
	if opts.Env != "" {
		fields = append(fields, zap.String("env", opts.Env))
	}

	core := zapcore.NewCore(enc, opts.Output, lvl)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.Fields(fields...))
	global = l
	return l, nil
}

// L returns the global logger. Panics if not initialized.
func L() *zap.Logger {
	if global == nil {
		panic("logger not initialized: call logger.Init first")
	}
	return global
}

// Sync flushes any buffered log entries.
func Sync() {
	if global != nil {
		_ = global.Sync()
	}
}
