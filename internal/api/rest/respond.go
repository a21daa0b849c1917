package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// ResponseEnvelope is the uniform response shape: exactly one of Data or
// Error is set.
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

// ErrorResponse is the wire form of a failure.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// ResponseMeta carries correlation fields on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

const apiVersion = "v1"

func newMeta(ctx context.Context) ResponseMeta {
	return ResponseMeta{
		RequestID: RequestIDFromContext(ctx),
		Timestamp: time.Now().UTC(),
		Version:   apiVersion,
	}
}

// respond writes a success envelope. Encoding failures are logged, not
// surfaced: the status line is already gone.
func respond(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := ResponseEnvelope{
		Success: true,
		Data:    data,
		Meta:    newMeta(ctx),
	}
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.ErrorContext(ctx, "encoding response failed", "error", err)
	}
}

// writeError maps err onto the envelope's error shape.
func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error) {
	status, resp := mapError(err)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed",
			"status", status, "code", resp.Code, "error", err)
	} else {
		logger.DebugContext(ctx, "request rejected",
			"status", status, "code", resp.Code, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	envelope := ResponseEnvelope{
		Success: false,
		Error:   resp,
		Meta:    newMeta(ctx),
	}
	if encodeErr := json.NewEncoder(w).Encode(envelope); encodeErr != nil {
		logger.ErrorContext(ctx, "encoding error response failed", "error", encodeErr)
	}
}
