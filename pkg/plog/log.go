// Package plog provides the structured logging facade used across the
// engine. It keeps the teacher-shaped Logf(level, msg, args...) call site
// but backs it with zap instead of a bespoke writer.
package plog

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global   atomic.Pointer[Logger]
	verbose  atomic.Int32
	initOnce = func() *Logger {
		l := New(false)
		global.Store(l)
		return l
	}()
)

// Logger wraps a zap.SugaredLogger behind the level-tagged Logf API the
// rest of the engine calls into. Level 0 is always emitted; higher levels
// are gated by the configured verbosity, mirroring -v/--debug knobs.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger. debug enables zap's development encoder (human
// readable, colorized level names) instead of the production JSON encoder.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap construction only fails on malformed config; fall back to a
		// bare-bones logger rather than taking the process down over logging.
		logger = zap.NewNop()
		_, _ = os.Stderr.WriteString("plog: falling back to a no-op logger: " + err.Error() + "\n")
	}
	return &Logger{sugar: logger.Sugar()}
}

// SetVerbosity sets the package-level verbosity threshold used by V() gated
// calls through the default logger.
func SetVerbosity(v int) { verbose.Store(int32(v)) }

// V reports whether level-gated logging at v is enabled on the default
// logger, mirroring the teacher's log.V(n) guard idiom.
func V(v int) bool { return int32(v) <= verbose.Load() }

// SetDefault replaces the package-level default logger, e.g. after reading
// FUZZER_LOG_DEBUG from configuration.
func SetDefault(l *Logger) { global.Store(l) }

// Default returns the package-level logger.
func Default() *Logger { return global.Load() }

// Logf logs msg at level, gated by the configured verbosity for levels > 0.
func Logf(level int, msg string, args ...interface{}) {
	Default().Logf(level, msg, args...)
}

func (l *Logger) Logf(level int, msg string, args ...interface{}) {
	if level > 0 && !V(level) {
		return
	}
	if len(args) == 0 {
		l.sugar.Info(msg)
		return
	}
	l.sugar.Infof(msg, args...)
}

// Errorf always logs regardless of verbosity; used for fatal/notable errors
// that also get mirrored into FuzzSession.error_message by the caller.
func Errorf(msg string, args ...interface{}) {
	Default().sugar.Errorf(msg, args...)
}

// Sync flushes any buffered log entries; call during graceful shutdown.
func Sync() error {
	return Default().sugar.Sync()
}
