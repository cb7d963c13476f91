package app

import (
	"fmt"
	"net/http"
	"time"
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

// The synchronizer's error taxonomy. Caller-input errors are produced before
// any store access; NOT_FOUND deliberately conflates "doesn't exist" and "not
// your tenant" so existence never leaks across team scopes.

func errInvalidIdentifier() *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_IDENTIFIER", "Document identifier is malformed", nil)
}

func errNoTeamAccess() *DomainError {
	return domainError(http.StatusForbidden, "NO_TEAM_ACCESS", "Caller has no team access", nil)
}

func errNotFound() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func errEmptyStateRejected() *DomainError {
	return domainError(http.StatusBadRequest, "EMPTY_STATE_REJECTED", "Empty state payload rejected", nil)
}

func errPayloadTooLarge(maxBytes int64) *DomainError {
	return domainError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "State payload exceeds the size limit", map[string]any{
		"max_payload_bytes": maxBytes,
	})
}

func errRateLimited(resetAt time.Time) *DomainError {
	retryAfter := int64(time.Until(resetAt).Seconds()) + 1
	if retryAfter < 1 {
		retryAfter = 1
	}
	return domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded", map[string]any{
		"reset_at":            resetAt.UTC().Format(time.RFC3339),
		"retry_after_seconds": retryAfter,
	})
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errStorageFault() *DomainError {
	return domainError(http.StatusInternalServerError, "STORAGE_FAULT", "Storage backend error", nil)
}

// errMetadataUpdateRaced is surfaced to the caller as a generic retryable
// failure; the distinct code exists for server-side logs and clients that
// understand it.
func errMetadataUpdateRaced() *DomainError {
	return domainError(http.StatusInternalServerError, "METADATA_UPDATE_RACED", "State save could not be recorded, retry", nil)
}
