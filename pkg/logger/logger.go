package logger

import (
	"os"
	"strings"

	"github.com/hsdfat/go-zlog/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the global logger instance for the diameter engine
var Log logger.LoggerI = logger.NewLogger()

func init() {
	Log.(*logger.Logger).SugaredLogger = Log.(*logger.Logger).SugaredLogger.WithOptions(zap.AddCallerSkip(1))
}

// Logger is the structured logging surface used by engine components.
// Both *zap.SugaredLogger and the global go-zlog logger satisfy it.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

// SetLevel sets the global log level
// Valid levels: "debug", "info", "warn", "error", "fatal"
func SetLevel(level string) {
	logger.SetLevel(level)
}

// WithFields creates a new logger with contextual fields
// Example: logger.WithFields("peer", "hss.example", "state", "Open")
func WithFields(args ...any) Logger {
	return Default().(*zap.SugaredLogger).With(args...)
}

// Default returns the global logger as a Logger.
func Default() Logger {
	return Log.(*logger.Logger).SugaredLogger.WithOptions(zap.AddCallerSkip(-1))
}

// With attaches fields to l when the implementation supports it.
func With(l Logger, args ...any) Logger {
	switch v := l.(type) {
	case *zap.SugaredLogger:
		return v.With(args...)
	case *logger.Logger:
		return v.SugaredLogger.With(args...)
	}
	return l
}

// Or returns l, or the global logger when l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}

// Options configures a standalone logger.
type Options struct {
	Name   string
	Level  string
	Format string // "json" or "text"
	File   string // empty writes to stderr

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a named logger writing text to stderr.
func New(name, level string) Logger {
	return NewWithOptions(Options{Name: name, Level: level, Format: "text"})
}

// NewWithOptions builds a zap logger from opts. File output is rotated by lumberjack.
func NewWithOptions(opts Options) Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(opts.Format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	if opts.File != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	} else {
		ws = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(parseLevel(opts.Level)))
	l := zap.New(core, zap.AddCaller())
	if opts.Name != "" {
		l = l.Named(opts.Name)
	}
	return l.Sugar()
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}
