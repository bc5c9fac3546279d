package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/billing"
)

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response")
	}
}

func writeMessage(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

// statusFor maps a billing error kind to an HTTP status.
func statusFor(kind billing.Kind) int {
	switch kind {
	case billing.KindNotAuthenticated:
		return http.StatusUnauthorized
	case billing.KindNotAuthorized:
		return http.StatusForbidden
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindInvalid:
		return http.StatusBadRequest
	case billing.KindProvider:
		return http.StatusBadGateway
	case billing.KindStateConflict, billing.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {"error","reason"}. Server-side failures keep
// their detail in the log only.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := billing.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
		msg = http.StatusText(status)
	}
	event.Err(err).Str("op", op).Str("path", r.URL.Path).Int("status", status).Msg("handlers: request failed")

	writeJSON(w, status, errorResponse{
		Error:     msg,
		Reason:    billing.ReasonOf(err),
		Retryable: billing.Retryable(err),
	})
}
