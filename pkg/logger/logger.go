package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"actionworker/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger
var sugar *zap.SugaredLogger

// lines logged outside of an action are prefixed with this placeholder
const noAction = "-"

const timeLayout = "2006-01-02 15:04:05.000"

type actionKey struct{}

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig = encoderConfig()
	l, _ := cfg.Build(zap.AddCallerSkip(1))
	setLogger(l)
}

func setLogger(l *zap.Logger) {
	Log = l
	sugar = l.Sugar()
}

// Init rebuilds the logger from config.GlobalConfig.Logger
func Init() error {
	if config.GlobalConfig == nil {
		return fmt.Errorf("configuration not loaded")
	}
	l, err := build(config.GlobalConfig.Logger)
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

func build(cfg config.LoggerConfig) (*zap.Logger, error) {
	syncer, err := writeSyncer(cfg)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig())
	}

	core := zapcore.NewCore(encoder, syncer, zap.NewAtomicLevelAt(parseLevel(cfg.Level)))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(timeLayout),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// parseLevel falls back to info for unknown names
func parseLevel(name string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func writeSyncer(cfg config.LoggerConfig) (zapcore.WriteSyncer, error) {
	stdout := zapcore.AddSync(os.Stdout)
	if cfg.Output != "file" && cfg.Output != "both" {
		return stdout, nil
	}

	file, err := openLogFile(cfg.File.Path)
	if err != nil {
		return nil, err
	}
	if cfg.Output == "file" {
		return zapcore.AddSync(file), nil
	}
	return zapcore.NewMultiWriteSyncer(stdout, zapcore.AddSync(file)), nil
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("logger.file.path is required for file output")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// WithActionID tags ctx so that *Ctx helpers prefix lines with the action uuid.
func WithActionID(ctx context.Context, actionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actionKey{}, actionID)
}

// ActionID returns the action uuid carried by ctx, if any.
func ActionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(actionKey{}).(string)
	return id
}

// With returns a child logger carrying the given key/value pairs.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return sugar.With(keysAndValues...)
}

func prefix(ctx context.Context) string {
	if id := ActionID(ctx); id != "" {
		return id
	}
	return noAction
}

func DebugCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Debugf(prefix(ctx)+"\t"+format, args...)
}

func InfoCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Infof(prefix(ctx)+"\t"+format, args...)
}

func WarnCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Warnf(prefix(ctx)+"\t"+format, args...)
}

func ErrorCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Errorf(prefix(ctx)+"\t"+format, args...)
}

func FatalCtx(ctx context.Context, format string, args ...interface{}) {
	sugar.Fatalf(prefix(ctx)+"\t"+format, args...)
}

// Errorf logs outside of any action context
func Errorf(format string, args ...interface{}) {
	sugar.Errorf(noAction+"\t"+format, args...)
}

// Printer adapts the logger to the Printf interface expected by gorm
type Printer struct{}

func (Printer) Printf(format string, args ...interface{}) {
	sugar.Warnf(noAction+"\t"+strings.TrimSpace(format), args...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}
