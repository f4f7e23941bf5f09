package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. Components receive a *zap.Logger via
// their constructors; this global backs package-level helpers and the
// default passed at assembly time.
var Log = zap.NewNop()

// Init builds the global logger. level is one of debug|info|warn|error,
// format is text|json. The sink can be redirected to a file with
// CHATSYNC_LOG_SINK=file:/path/to/log (used by tests and deployments).
func Init(level, format string) {
	var lv zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = zapcore.DebugLevel
	case "warn", "warning":
		lv = zapcore.WarnLevel
	case "error":
		lv = zapcore.ErrorLevel
	default:
		lv = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.ToLower(format) == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	ws := zapcore.AddSync(os.Stdout)
	if sink := os.Getenv("CHATSYNC_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
			ws = zapcore.AddSync(f)
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		}
	}

	Log = zap.New(zapcore.NewCore(enc, ws, lv))
}

// Sync flushes buffered log entries; safe to call at shutdown.
func Sync() { _ = Log.Sync() }

// Debug logs on the global logger.
func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }

// Info logs on the global logger.
func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }

// Warn logs on the global logger.
func Warn(msg string, fields ...zap.Field) { Log.Warn(msg, fields...) }

// Error logs on the global logger.
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
