// Package rlog provides the small structured-logging surface the Connection,
// Client, and Server call into. It wraps go.uber.org/zap rather than
// inventing a bespoke logger, mirroring how github.com/ryanbekhen/ngebut
// (a peer example in the retrieval pack) backs its request-lifecycle
// logging with zap and gopkg.in/natefinch/lumberjack.v2 for rotation.
package rlog

import (
	"gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured-logging surface consumed by pkg/connection,
// pkg/client, pkg/server, and pkg/websocket. Those packages call only the
// few methods below; the backend is always a *zap.Logger (see Wrap).
type Logger struct {
	z *zap.Logger
}

// Nop returns a Logger that discards everything, the default when no
// logger is supplied to Server/Client constructors.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Wrap adapts an existing *zap.Logger.
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		return Nop()
	}
	return &Logger{z: z}
}

// NewDevelopment builds a human-readable console logger, suitable for local
// development and the package examples.
func NewDevelopment() (*Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewFileLogger builds a JSON logger that rotates through lumberjack once
// the log file exceeds maxSizeMB megabytes, keeping maxBackups old files.
func NewFileLogger(path string, maxSizeMB, maxBackups int) *Logger {
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
	encoderCfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zap.InfoLevel)
	return &Logger{z: zap.New(core)}
}

func (l *Logger) fields(kv []any) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *Logger) Debugw(msg string, kv ...any) { l.z.Debug(msg, l.fields(kv)...) }
func (l *Logger) Infow(msg string, kv ...any)   { l.z.Info(msg, l.fields(kv)...) }
func (l *Logger) Warnw(msg string, kv ...any)   { l.z.Warn(msg, l.fields(kv)...) }
func (l *Logger) Errorw(msg string, kv ...any)  { l.z.Error(msg, l.fields(kv)...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// With returns a child Logger with the given key/value pairs attached to
// every subsequent entry, the way the Connection tags its logs with a
// connection id.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{z: l.z.With(l.fields(kv)...)}
}
