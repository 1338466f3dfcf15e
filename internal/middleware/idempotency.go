package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/paysettle/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayedHeader marks a response served from the idempotency cache.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// maxIdempotentBodyBytes caps request bodies read for fingerprinting.
const maxIdempotentBodyBytes = 1 << 20

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter captures the status and body written by the handler.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// Unwrap returns the underlying writer.
func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Idempotency returns a middleware that requires an Idempotency-Key header on
// POST requests and replays the stored response when a key is reused.
//
// Keys are scoped to the authenticated user, so it must run after RequireAuth.
// A key is reserved before the handler runs; a concurrent request with the
// same key gets 409 instead of running twice. Only 2xx responses are kept;
// any other outcome releases the key so the client can retry it. Reusing a
// key for a different request body or route is rejected with 422.
// metrics may be nil.
func Idempotency(repo idempotency.Repository, metrics *Metrics) func(http.Handler) http.Handler {
	count := func(outcome string) {
		if metrics != nil {
			metrics.IncIdempotency(outcome)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "missing_idempotency_key", "Idempotency-Key header is required for this request"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code, message = "idempotency_key_too_long", "Idempotency-Key exceeds maximum length of 64 characters"
				}
				rejectIdempotent(w, r, http.StatusBadRequest, code, message)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBodyBytes+1))
			if err != nil {
				rejectIdempotent(w, r, http.StatusBadRequest, "bad_request", "Failed to read request body")
				return
			}
			if len(body) > maxIdempotentBodyBytes {
				rejectIdempotent(w, r, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			scoped := idempotency.ScopedKey(GetUserID(ctx), key)
			requestHash := idempotency.ComputeRequestHash(r.Method, r.URL.Path, body)

			existing, err := repo.Get(ctx, scoped)
			switch {
			case err == nil:
				count(replayIdempotent(w, r, existing, requestHash))
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Store unavailable: serve the request without idempotency protection.
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				count("bypassed")
				next.ServeHTTP(w, r)
				return
			}

			record := &idempotency.Record{
				Key:         scoped,
				Method:      r.Method,
				Route:       r.URL.Path,
				RequestHash: requestHash,
			}
			if err := repo.Reserve(ctx, record); err != nil {
				if errors.Is(err, idempotency.ErrKeyExists) {
					count("in_progress")
					rejectIdempotent(w, r, http.StatusConflict, "idempotency_key_in_progress",
						"A request with this Idempotency-Key is already being processed")
					return
				}
				slog.ErrorContext(ctx, "failed to reserve idempotency key", "key", key, "error", err)
				count("bypassed")
				next.ServeHTTP(w, r)
				return
			}

			captureWriter := newIdempotencyResponseWriter(w)
			finished := false
			storeCtx := context.WithoutCancel(ctx)
			defer func() {
				if !finished {
					count("released")
					if err := repo.Release(storeCtx, scoped); err != nil {
						slog.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
					}
				}
			}()

			next.ServeHTTP(captureWriter, r)

			if captureWriter.statusCode < 200 || captureWriter.statusCode >= 300 {
				return
			}
			if err := repo.Complete(storeCtx, scoped, captureWriter.statusCode, captureWriter.body.String()); err != nil {
				// Response already sent; the reservation is released below.
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			finished = true
			count("stored")
		})
	}
}

// replayIdempotent answers a request whose key is already stored and returns
// the outcome label.
func replayIdempotent(w http.ResponseWriter, r *http.Request, rec *idempotency.Record, requestHash string) string {
	ctx := r.Context()
	if rec.RequestHash != requestHash {
		rejectIdempotent(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
			"Idempotency-Key was already used for a different request")
		return "key_reused"
	}
	if rec.Status != idempotency.StatusCompleted {
		rejectIdempotent(w, r, http.StatusConflict, "idempotency_key_in_progress",
			"A request with this Idempotency-Key is already being processed")
		return "in_progress"
	}

	slog.InfoContext(ctx, "idempotency key found, returning cached response",
		"key", GetIdempotencyKey(ctx),
		"status", rec.ResponseStatusCode,
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(IdempotentReplayedHeader, "true")
	w.WriteHeader(rec.ResponseStatusCode)
	_, _ = io.WriteString(w, rec.ResponseBody)
	return "replayed"
}

func rejectIdempotent(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSONError(w, r.WithContext(SetErrorCode(r.Context(), code)), status, code, message)
}
