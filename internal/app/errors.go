package app

import (
	"errors"
	"fmt"
	"net/http"

	"engage/offline/internal/api"
	"engage/offline/internal/store"
	"engage/offline/internal/syncqueue"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errInvalidBody = domainError(http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil)

// mapError turns an error from the offline layer into an HTTP answer.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, api.ErrInvalid) {
		if fields := api.FieldErrors(err); fields != nil {
			return http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Validation failed", fields
		}
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil
	}
	if errors.Is(err, syncqueue.ErrInvalidEntry) {
		return http.StatusUnprocessableEntity, "INVALID_ENTRY", err.Error(), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrClosed) {
		return http.StatusServiceUnavailable, "STORE_CLOSED", "Local store is closed", nil
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "REMOTE_ERROR", "Remote request failed", map[string]any{
			"status":  apiErr.Status,
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
