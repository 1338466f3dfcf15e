package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorEnvelope mirrors the API error body so middleware rejections look the
// same as handler errors to clients.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeJSONError writes {"error":{"code","message"}} and passes the request
// context to the logging middleware.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	UpdateResponseContext(w, r.Context())

	var body errorEnvelope
	body.Error.Code = code
	body.Error.Message = message

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(r.Context(), "failed to write error response", "error", err)
	}
}
