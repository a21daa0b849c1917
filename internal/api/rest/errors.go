package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/repository"
)

// mapError turns any failure into a status code and wire error. Domain
// errors carry their own mapping; everything else is classified here so
// handlers never switch on error types themselves.
func mapError(err error) (int, *ErrorResponse) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode, &ErrorResponse{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		}
	}

	if repository.IsNotFound(err) {
		return http.StatusNotFound, &ErrorResponse{
			Code:    "NOT_FOUND",
			Message: "resource not found",
		}
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, &ErrorResponse{
			Code:    "REQUEST_CANCELED",
			Message: "request was canceled",
		}
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, &ErrorResponse{
			Code:    "REQUEST_TIMEOUT",
			Message: "request timed out",
		}
	}

	var syntaxErr *json.SyntaxError
	if stderrors.As(err, &syntaxErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "INVALID_JSON",
			Message: fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset),
		}
	}

	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "TYPE_MISMATCH",
			Message: fmt.Sprintf("invalid value for field %q", typeErr.Field),
			Details: map[string]interface{}{
				"field":    typeErr.Field,
				"expected": typeErr.Type.String(),
			},
		}
	}

	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, &ErrorResponse{
			Code:    "REQUEST_TOO_LARGE",
			Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		}
	}

	// Unclassified errors stay opaque to callers.
	return http.StatusInternalServerError, &ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
	}
}
