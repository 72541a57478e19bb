package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/aio-labs/cligateway/gwerr"
	"github.com/aio-labs/cligateway/store"
)

// attemptEnvelope is the wire shape of one element of the error envelope's
// "attempts" array.
type attemptEnvelope struct {
	ProviderID   uint64  `json:"provider_id"`
	ProviderName string  `json:"provider_name"`
	BaseURL      string  `json:"base_url,omitempty"`
	Outcome      string  `json:"outcome"`
	Status       *int    `json:"status,omitempty"`
	ErrorCode    *string `json:"error_code,omitempty"`
	Decision     *string `json:"decision,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

// errorEnvelope is the terminal error payload shape the gateway always
// returns on failure.
type errorEnvelope struct {
	TraceID           string            `json:"trace_id"`
	ErrorCode         string            `json:"error_code"`
	Message           string            `json:"message"`
	Attempts          []attemptEnvelope `json:"attempts,omitempty"`
	RetryAfterSeconds *int64            `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a terminal *gwerr.Error as the fixed wire envelope,
// with the x-trace-id / x-aio-error-code headers it always carries, plus
// Retry-After when the error has a positive RetryAfterSeconds.
func writeError(w http.ResponseWriter, logger *zap.Logger, traceID string, gerr *gwerr.Error, attempts []store.AttemptRecord) {
	status := gerr.HTTPStatus
	if status == 0 {
		status = gwerr.StatusFor(gerr.Code)
	}

	w.Header().Set("x-trace-id", traceID)
	w.Header().Set("x-aio-error-code", string(gerr.Code))

	var retryAfter *int64
	if gerr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(gerr.RetryAfterSeconds, 10))
		seconds := gerr.RetryAfterSeconds
		retryAfter = &seconds
	}

	logger.Warn("request failed",
		zap.String("trace_id", traceID),
		zap.String("error_code", string(gerr.Code)),
		zap.Int("status", status))

	writeJSON(w, status, errorEnvelope{
		TraceID:           traceID,
		ErrorCode:         string(gerr.Code),
		Message:           gerr.Message,
		Attempts:          attemptsToEnvelope(attempts),
		RetryAfterSeconds: retryAfter,
	})
}

func attemptsToEnvelope(attempts []store.AttemptRecord) []attemptEnvelope {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]attemptEnvelope, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptEnvelope{
			ProviderID:   a.ProviderID,
			ProviderName: a.ProviderName,
			BaseURL:      a.BaseURL,
			Outcome:      string(a.Outcome),
			Status:       a.Status,
			ErrorCode:    a.ErrorCode,
			Decision:     a.Decision,
			Reason:       a.Reason,
		})
	}
	return out
}
