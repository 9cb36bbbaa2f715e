package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"cgraph/pkg/logging"
)

// RequestLogger creates a middleware that logs requests and injects the logger.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			attrs := []any{
				logging.RequestID(reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				attrs = append(attrs, logging.TraceID(sc.TraceID().String()), logging.SpanID(sc.SpanID().String()))
			}
			reqLog := log.With(attrs...)
			ctx := logging.WithContext(r.Context(), reqLog)
			w.Header().Set("X-Request-ID", reqID)

			reqLog.DebugContext(ctx, "request started")
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			reqLog.InfoContext(ctx, "request completed",
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
