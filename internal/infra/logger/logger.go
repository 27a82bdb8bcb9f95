// Package logger is a thin wrapper over zap shared by the whole module. It
// initializes a global level, supports per-module overrides via Named
// loggers, and exposes Debugf/Infof/Warnf/Errorf helpers so callers don't
// need to carry a *zap.Logger through every function signature.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu sync.Mutex

	log        *zap.Logger
	level      = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg = defaultEncoderConfig()
	writer     = zapcore.Lock(zapcore.AddSync(os.Stdout))

	// filters holds per-module level overrides (logging.filters.<module>),
	// applied on top of the global level when a caller asks for Named(mod).
	filters = map[string]zapcore.Level{}
)

func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func rebuildLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, writer, level)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Init sets the global log level. Accepted values: debug, info (default),
// warn, error, case-insensitively.
func Init(levelName string) {
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(parseLevel(levelName))
	rebuildLocked()
}

// SetFilter records a minimum level for a named module (the
// logging.filters.<module> config option). It only affects loggers obtained
// via Named after the override is set, and it can only raise the level
// above the global one: an override below the global level has no effect.
func SetFilter(module, levelName string) {
	mu.Lock()
	defer mu.Unlock()
	filters[module] = parseLevel(levelName)
}

// SetOutput redirects the global writer; used by tests to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	writer = zapcore.Lock(zapcore.AddSync(w))
	rebuildLocked()
}

func parseLevel(name string) zapcore.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func instance() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if log == nil {
		rebuildLocked()
	}
	return log
}

// Named returns a child logger for the given module name. A per-module
// filter registered via SetFilter raises its minimum level; it cannot lower
// it below the global level.
func Named(module string) *zap.Logger {
	mu.Lock()
	override, ok := filters[module]
	mu.Unlock()

	base := instance().Named(module)
	if !ok {
		return base
	}
	return base.WithOptions(zap.IncreaseLevel(override))
}

func Debugf(format string, args ...any) { instance().Sugar().Debugf(format, args...) }
func Infof(format string, args ...any)  { instance().Sugar().Infof(format, args...) }
func Warnf(format string, args ...any)  { instance().Sugar().Warnf(format, args...) }
func Errorf(format string, args ...any) { instance().Sugar().Errorf(format, args...) }

func Debug(msg string, fields ...zap.Field) { instance().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { instance().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { instance().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { instance().Error(msg, fields...) }
