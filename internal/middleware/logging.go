// Package middleware provides the HTTP middleware stack of the settlement API:
// request IDs, access logging, tracing, metrics, CORS, authentication, rate
// limiting and Idempotency-Key handling.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type (
	userIDKey    struct{}
	errorCodeKey struct{}
)

// SetUserID stores the authenticated user ID in ctx.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// GetUserID returns the authenticated user ID, or "" for anonymous requests.
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// SetErrorCode records the API error code of the response being written so
// the access log can report it.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the error code set by SetErrorCode, or "".
func GetErrorCode(ctx context.Context) string {
	code, _ := ctx.Value(errorCodeKey{}).(string)
	return code
}

// responseWriter records status, body size and the innermost request context.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader keeps the first status, as net/http does.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Unwrap returns the underlying writer for http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// UpdateResponseContext hands ctx to the logging middleware's writer so values
// set by inner middleware and handlers (user ID, error code) reach the access
// log. It follows Unwrap chains through other wrapping writers and does
// nothing when no logging writer is present.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if rw, ok := w.(*responseWriter); ok {
			rw.ctx = ctx
			return
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

// NewLogger returns a JSON logger at info level for production and a text
// logger at debug level for every other environment. Both write to stdout.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Logging writes one "request completed" record per request with method,
// path, status, latency_ms, size and, when known, request_id, trace_id,
// user_id and error_code. Error codes are only logged for 4xx and 5xx.
//
// A panicking handler produces no record.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			ctx := r.Context()
			if rw.ctx != nil {
				ctx = rw.ctx
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if id := traceIDFromContext(ctx); id != "" {
				attrs = append(attrs, slog.String("trace_id", id))
			}
			if id := GetUserID(ctx); id != "" {
				attrs = append(attrs, slog.String("user_id", id))
			}
			if code := GetErrorCode(ctx); code != "" && rw.statusCode >= 400 {
				attrs = append(attrs, slog.String("error_code", code))
			}

			logger.LogAttrs(ctx, levelForStatus(rw.statusCode), "request completed", attrs...)
		})
	}
}
