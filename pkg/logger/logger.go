package logger

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceIdKey is the context key the HTTP/WS adapters stash a request id
// under; every log line in that request then carries it.
const TraceIdKey = "trace_id"

var (
	Log *zap.Logger

	// base has no caller skip; Sym children log from matcher code
	// directly and must report their own call site.
	base  *zap.Logger
	level zap.AtomicLevel

	symMu   sync.Mutex
	symLogs map[string]*zap.Logger
)

// Init configures the global logger for one service process.
// level: debug/info/warn/error.
func Init(serviceName string, lvl string) {
	InitWithFile(serviceName, lvl, "")
}

// InitWithFile additionally tees into logFile (defaults to
// logs/{serviceName}.log). File problems degrade to stdout-only.
func InitWithFile(serviceName string, lvl string, logFile string) {
	level = zap.NewAtomicLevelAt(parseLevel(lvl))

	if logFile == "" {
		logFile = filepath.Join("logs", serviceName+".log")
	}

	base = zap.New(buildCore(level, logFile), zap.AddCaller()).
		With(zap.String("service", serviceName))
	// AddCallerSkip(1): callers go through the package helpers below,
	// otherwise every line points at logger.go.
	Log = base.WithOptions(zap.AddCallerSkip(1))

	symMu.Lock()
	symLogs = make(map[string]*zap.Logger, 8)
	symMu.Unlock()
}

func parseLevel(lvl string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return zap.InfoLevel
	}
	return l
}

// SetLevel re-levels the running logger; the config watcher calls this
// on hot reload so a live exchange can be turned up to debug without a
// restart.
func SetLevel(lvl string) {
	level.SetLevel(parseLevel(lvl))
}

func buildCore(lvl zap.AtomicLevel, logFile string) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stdout),
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			writeSyncers = append(writeSyncers, zapcore.AddSync(file))
		}
	}

	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		lvl,
	)
}

// Sym returns a cached child logger tagged with the symbol. Matchers
// and pumps log thousands of lines per second; reusing the child keeps
// the field allocation out of the hot path.
func Sym(symbol string) *zap.Logger {
	symMu.Lock()
	defer symMu.Unlock()
	if base == nil {
		return zap.NewNop()
	}
	if l, ok := symLogs[symbol]; ok {
		return l
	}
	l := base.With(zap.String("symbol", symbol))
	symLogs[symbol] = l
	return l
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Debug(msg, fields...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Fatal(msg, fields...)
}

func extractTrace(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		*fields = append(*fields, zap.String("trace_id", traceID))
	}
}

// Sync flushes buffered entries; defer from main.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
