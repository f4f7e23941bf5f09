package logger

import (
	"net/http"

	"go.uber.org/zap"
)

// LogRequest logs a concise summary of an incoming ops-surface request.
func LogRequest(r *http.Request) {
	Log.Info("incoming_request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr),
	)
}
